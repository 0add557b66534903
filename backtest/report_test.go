package backtest

import (
	"encoding/csv"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reportResult(t *testing.T) *BacktestResult {
	t.Helper()
	candles := flatCandles(100, 50000)
	candles[50].Low = 44000
	candles[50].Close = 44500
	s := &scriptedStrategy{entries: map[int]*Intent{10: {Type: IntentEntry, Direction: Long}}}
	cfg := futuresConfig(10)
	cfg.Strategy = "scripted"
	return runBacktest(t, cfg, candles, s, WithRunID("report-run"))
}

func TestReportGeneration(t *testing.T) {
	result := reportResult(t)
	dir := t.TempDir()

	reportPath, err := GenerateReport(result, dir, "zh-CN")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(reportPath, "scripted_BTCUSDT_report-run.md"))

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# scripted 策略回测报告")
	assert.Contains(t, content, "| 最大回撤 |")
	assert.Contains(t, content, "| LONG | 50000.0000 | 45000.0000 |")
	assert.Contains(t, content, "强平")
	assert.Contains(t, content, "VaR (95%)")
}

func TestReportEnglishLabels(t *testing.T) {
	content, err := RenderReport(reportResult(t), "en-US")
	require.NoError(t, err)
	assert.Contains(t, content, "# scripted Backtest Report")
	assert.Contains(t, content, "| Win rate | 0.00% |")
	assert.Contains(t, content, "1 liquidation(s)")
}

func TestReportWithoutTrades(t *testing.T) {
	result := &BacktestResult{Strategy: "empty", Symbol: "ETHUSDT"}
	content, err := RenderReport(result, "zh-CN")
	require.NoError(t, err)
	assert.Contains(t, content, "没有产生任何交易")
}

func TestSaveEquityCurveCSV(t *testing.T) {
	result := reportResult(t)
	path, err := SaveEquityCurveCSV(result, t.TempDir())
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, len(result.Equity)+1)
	assert.Equal(t, []string{"timestamp", "balance", "equity", "unrealized_pnl"}, rows[0])
	assert.Equal(t, "10000.00000000", rows[1][1])
}
