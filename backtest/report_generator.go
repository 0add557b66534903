package backtest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"quantsim/i18n"
)

// maxReportTrades 报告中列出的交易笔数上限
const maxReportTrades = 20

// GenerateReport 生成 Markdown 回测报告，返回报告路径
// lang 为空时使用系统默认语言
func GenerateReport(result *BacktestResult, dir, lang string) (string, error) {
	if result == nil {
		return "", fmt.Errorf("回测结果为空")
	}
	if dir == "" {
		dir = filepath.Join("backtest", "reports")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}
	if lang == "" {
		lang = i18n.GetSystemLanguage()
	}

	content, err := RenderReport(result, lang)
	if err != nil {
		return "", err
	}

	reportPath := filepath.Join(dir, reportFileName(result, ".md"))
	if err := os.WriteFile(reportPath, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("写入报告文件失败: %w", err)
	}
	return reportPath, nil
}

// RenderReport 渲染报告内容
func RenderReport(result *BacktestResult, lang string) (string, error) {
	data := prepareReportData(result, i18n.Translator(lang))
	content, err := renderReportTemplate(data)
	if err != nil {
		return "", fmt.Errorf("渲染报告模板失败: %w", err)
	}
	return content, nil
}

func reportFileName(result *BacktestResult, suffix string) string {
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	name := fmt.Sprintf("%s_%s_%s", result.Strategy, result.Symbol, timestamp)
	if result.ID != "" {
		name = fmt.Sprintf("%s_%s_%s", result.Strategy, result.Symbol, result.ID)
	}
	return strings.NewReplacer("/", "_", " ", "_").Replace(name) + suffix
}

// ReportRow 指标表格中的一行
type ReportRow struct {
	Label string
	Value string
}

// ReportSection 报告中的一张指标表
type ReportSection struct {
	Title string
	Rows  []ReportRow
}

// TradeRow 交易行
type TradeRow struct {
	Time      string
	Direction string
	Entry     string
	Exit      string
	Size      string
	Reason    string
	PnL       string
}

// ReportData 报告数据
type ReportData struct {
	L map[string]string // 已翻译的标签

	Title          string
	Strategy       string
	Symbol         string
	Timeframe      string
	GeneratedAt    string
	StartDate      string
	EndDate        string
	Duration       string
	InitialBalance string
	FinalBalance   string
	Currency       string

	Sections  []ReportSection
	TopTrades []TradeRow

	Conclusion string
	Footer     string
}

// prepareReportData 准备报告数据
func prepareReportData(result *BacktestResult, t func(key string, data ...interface{}) string) ReportData {
	m := result.Metrics
	r := result.RiskMetrics

	labels := make(map[string]string)
	for _, key := range []string{
		"report_generated_at", "report_summary", "report_symbol", "report_period",
		"report_initial_balance", "report_final_balance", "report_trades_detail",
		"report_conclusion", "report_metric", "report_value",
		"trade_entry_time", "trade_direction", "trade_entry", "trade_exit",
		"trade_size", "trade_reason", "trade_pnl",
		"total_return", "max_drawdown", "sharpe_ratio",
	} {
		labels[key] = t(key)
	}

	pct := func(v float64) string { return fmt.Sprintf("%.2f%%", v) }
	num := func(v float64) string { return fmt.Sprintf("%.2f", v) }
	row := func(key, value string) ReportRow { return ReportRow{Label: t(key), Value: value} }

	sections := []ReportSection{
		{Title: t("report_return_section"), Rows: []ReportRow{
			row("total_return", pct(m.TotalReturn)),
			row("annualized_return", pct(m.AnnualizedReturn)),
		}},
		{Title: t("report_risk_section"), Rows: []ReportRow{
			row("max_drawdown", pct(m.MaxDrawdown)),
			row("max_drawdown_duration", strconv.Itoa(m.MaxDrawdownDuration)),
			row("avg_drawdown", pct(m.AvgDrawdown)),
			row("volatility", pct(m.Volatility)),
		}},
		{Title: t("report_ratio_section"), Rows: []ReportRow{
			row("sharpe_ratio", num(m.SharpeRatio)),
			row("sortino_ratio", num(m.SortinoRatio)),
			row("calmar_ratio", num(m.CalmarRatio)),
		}},
		{Title: t("report_trade_section"), Rows: []ReportRow{
			row("total_trades", strconv.Itoa(m.TotalTrades)),
			row("win_rate", pct(m.WinRate)),
			row("profit_factor", num(m.ProfitFactor)),
			row("expectancy", num(m.Expectancy)),
			row("avg_win", num(m.AvgWin)),
			row("avg_loss", num(m.AvgLoss)),
			row("largest_win", num(m.LargestWin)),
			row("largest_loss", num(m.LargestLoss)),
			row("max_consecutive_wins", strconv.Itoa(m.MaxConsecutiveWins)),
			row("max_consecutive_losses", strconv.Itoa(m.MaxConsecutiveLosses)),
		}},
		{Title: t("report_cost_section"), Rows: []ReportRow{
			row("total_fees", num(m.TotalFees)),
			row("net_funding", num(m.NetFunding)),
			row("liquidations", strconv.Itoa(m.Liquidations)),
			row("avg_holding_hours", num(m.AvgHoldingHours)),
			row("signal_errors", strconv.Itoa(result.SignalErrors)),
		}},
		{Title: t("report_var_section"), Rows: []ReportRow{
			{Label: "VaR (95%)", Value: pct(r.VaR95)},
			{Label: "VaR (99%)", Value: pct(r.VaR99)},
			{Label: "CVaR (95%)", Value: pct(r.CVaR95)},
			{Label: "CVaR (99%)", Value: pct(r.CVaR99)},
		}},
	}

	topTrades := make([]TradeRow, 0, maxReportTrades)
	for i, trade := range result.Trades {
		if i >= maxReportTrades {
			break
		}
		topTrades = append(topTrades, TradeRow{
			Time:      time.UnixMilli(trade.EntryTime).UTC().Format("2006-01-02 15:04"),
			Direction: string(trade.Direction),
			Entry:     fmt.Sprintf("%.4f", trade.EntryPrice),
			Exit:      fmt.Sprintf("%.4f", trade.ExitPrice),
			Size:      fmt.Sprintf("%.6f", trade.Size),
			Reason:    string(trade.ExitReason),
			PnL:       fmt.Sprintf("%.2f", trade.RealizedPnL),
		})
	}

	duration := result.EndTime.Sub(result.StartTime)
	currency := result.Config.Currency
	if currency == "" {
		currency = "USDT"
	}

	return ReportData{
		L:              labels,
		Title:          t("report_title", map[string]interface{}{"Strategy": result.Strategy}),
		Strategy:       result.Strategy,
		Symbol:         result.Symbol,
		Timeframe:      result.Timeframe,
		GeneratedAt:    time.Now().Format("2006-01-02 15:04:05"),
		StartDate:      result.StartTime.UTC().Format("2006-01-02"),
		EndDate:        result.EndTime.UTC().Format("2006-01-02"),
		Duration:       t("report_days", map[string]interface{}{"Days": int(duration.Hours() / 24)}),
		InitialBalance: num(result.InitialBalance),
		FinalBalance:   num(result.FinalBalance),
		Currency:       currency,
		Sections:       sections,
		TopTrades:      topTrades,
		Conclusion:     generateConclusion(result, t),
		Footer:         t("report_footer"),
	}
}

// generateConclusion 生成结论
func generateConclusion(result *BacktestResult, t func(key string, data ...interface{}) string) string {
	m := result.Metrics
	if m.TotalTrades == 0 {
		return t("conclusion_no_trades")
	}

	var conclusions []string

	switch {
	case m.TotalReturn > 50:
		conclusions = append(conclusions, t("conclusion_return_excellent"))
	case m.TotalReturn > 20:
		conclusions = append(conclusions, t("conclusion_return_good"))
	case m.TotalReturn > 0:
		conclusions = append(conclusions, t("conclusion_return_low"))
	default:
		conclusions = append(conclusions, t("conclusion_return_loss"))
	}

	switch {
	case m.MaxDrawdown < 10:
		conclusions = append(conclusions, t("conclusion_drawdown_low"))
	case m.MaxDrawdown < 20:
		conclusions = append(conclusions, t("conclusion_drawdown_mid"))
	default:
		conclusions = append(conclusions, t("conclusion_drawdown_high"))
	}

	switch {
	case m.SharpeRatio > 2:
		conclusions = append(conclusions, t("conclusion_sharpe_excellent"))
	case m.SharpeRatio > 1:
		conclusions = append(conclusions, t("conclusion_sharpe_good"))
	case m.SharpeRatio > 0:
		conclusions = append(conclusions, t("conclusion_sharpe_fair"))
	default:
		conclusions = append(conclusions, t("conclusion_sharpe_bad"))
	}

	if m.Liquidations > 0 {
		conclusions = append(conclusions, t("conclusion_liquidated", map[string]interface{}{"Count": m.Liquidations}))
	}

	return strings.Join(conclusions, "\n\n")
}

const reportTemplate = `# {{.Title}}

{{.L.report_generated_at}}: {{.GeneratedAt}}

## {{.L.report_summary}}

- **{{.L.report_symbol}}**: {{.Symbol}} ({{.Timeframe}})
- **{{.L.report_period}}**: {{.StartDate}} ~ {{.EndDate}} ({{.Duration}})
- **{{.L.report_initial_balance}}**: {{.InitialBalance}} {{.Currency}}
- **{{.L.report_final_balance}}**: {{.FinalBalance}} {{.Currency}}
{{range .Sections}}
## {{.Title}}

| {{$.L.report_metric}} | {{$.L.report_value}} |
|------|------|
{{range .Rows}}| {{.Label}} | {{.Value}} |
{{end}}{{end}}
## {{.L.report_trades_detail}}

| {{.L.trade_entry_time}} | {{.L.trade_direction}} | {{.L.trade_entry}} | {{.L.trade_exit}} | {{.L.trade_size}} | {{.L.trade_reason}} | {{.L.trade_pnl}} |
|------|------|------|------|------|------|------|
{{range .TopTrades}}| {{.Time}} | {{.Direction}} | {{.Entry}} | {{.Exit}} | {{.Size}} | {{.Reason}} | {{.PnL}} |
{{end}}
## {{.L.report_conclusion}}

{{.Conclusion}}

---

*{{.Footer}}*
`

// renderReportTemplate 渲染报告模板
func renderReportTemplate(data ReportData) (string, error) {
	t, err := template.New("report").Parse(reportTemplate)
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SaveEquityCurveCSV 保存权益曲线到 CSV
func SaveEquityCurveCSV(result *BacktestResult, dir string) (string, error) {
	if result == nil {
		return "", fmt.Errorf("回测结果为空")
	}
	if dir == "" {
		dir = filepath.Join("backtest", "reports")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("创建报告目录失败: %w", err)
	}

	csvPath := filepath.Join(dir, reportFileName(result, "_equity.csv"))
	file, err := os.Create(csvPath)
	if err != nil {
		return "", fmt.Errorf("创建 CSV 文件失败: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"timestamp", "balance", "equity", "unrealized_pnl"}); err != nil {
		return "", fmt.Errorf("写入 CSV 失败: %w", err)
	}
	for _, p := range result.Equity {
		record := []string{
			strconv.FormatInt(p.Timestamp, 10),
			strconv.FormatFloat(p.Balance, 'f', 8, 64),
			strconv.FormatFloat(p.Equity, 'f', 8, 64),
			strconv.FormatFloat(p.UnrealizedPnL, 'f', 8, 64),
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("写入 CSV 失败: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("写入 CSV 失败: %w", err)
	}
	return csvPath, nil
}
