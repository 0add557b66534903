package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"quantsim/backtest"
)

func completedResult(id string, ret float64) *backtest.BacktestResult {
	return &backtest.BacktestResult{
		ID:        id,
		Status:    backtest.StatusCompleted,
		Symbol:    "BTCUSDT",
		Timeframe: "1h",
		Strategy:  "metrics_test",
		Trades: []backtest.Trade{
			{ExitReason: backtest.CloseTP, RealizedPnL: 50},
			{ExitReason: backtest.CloseSL, RealizedPnL: -20},
			{ExitReason: backtest.CloseTP, RealizedPnL: 10},
		},
		Equity:       make([]backtest.EquityPoint, 100),
		Metrics:      backtest.Metrics{TotalReturn: ret, MaxDrawdown: 3.5, SharpeRatio: 1.2, WinRate: 66.7},
		SignalErrors: 2,
	}
}

func TestRecordRun(t *testing.T) {
	pm := GetPrometheusMetrics()
	pm.RecordRun(completedResult("a", 12.5), 2*time.Second)
	pm.RecordRun(&backtest.BacktestResult{Strategy: "metrics_test", Status: backtest.StatusFailed}, time.Second)
	pm.RecordRun(nil, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(runTotal.WithLabelValues("metrics_test", "COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(runTotal.WithLabelValues("metrics_test", "FAILED")))
	assert.Equal(t, 12.5, testutil.ToFloat64(totalReturn.WithLabelValues("BTCUSDT", "metrics_test")))
	assert.Equal(t, 3.5, testutil.ToFloat64(maxDrawdown.WithLabelValues("BTCUSDT", "metrics_test")))
	assert.Equal(t, 2.0, testutil.ToFloat64(tradeCount.WithLabelValues("BTCUSDT", "metrics_test", "TP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tradeCount.WithLabelValues("BTCUSDT", "metrics_test", "SL")))
	assert.Equal(t, 2.0, testutil.ToFloat64(signalErrors.WithLabelValues("metrics_test")))
	assert.Equal(t, 100.0, testutil.ToFloat64(candlesProcessed.WithLabelValues("BTCUSDT", "1h")))

	pm.SetActiveRuns(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(activeRuns))
	pm.RecordSignalErrors("metrics_test", 0)
	assert.Equal(t, 2.0, testutil.ToFloat64(signalErrors.WithLabelValues("metrics_test")))
}

func TestSystemCollector(t *testing.T) {
	smc := NewSystemMetricsCollector(0)
	smc.collect()
	assert.Greater(t, testutil.ToFloat64(goroutineCount), 0.0)
	assert.Greater(t, testutil.ToFloat64(memoryAllocBytes), 0.0)
	smc.Stop()
}

func TestStatsCollector(t *testing.T) {
	sc := NewStatsCollector()
	sc.Record(completedResult("a", 10))
	sc.Record(completedResult("b", -4))
	sc.Record(completedResult("c", 22))
	sc.Record(&backtest.BacktestResult{Status: backtest.StatusFailed})
	sc.Record(&backtest.BacktestResult{Status: backtest.StatusCancelled})
	sc.Record(&backtest.BacktestResult{Status: backtest.StatusRunning})

	s := sc.Snapshot()
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 3, s.Completed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Cancelled)
	assert.Equal(t, 9, s.TotalTrades)
	assert.Equal(t, 22.0, s.BestReturn)
	assert.Equal(t, "c", s.BestRunID)
	assert.Equal(t, -4.0, s.WorstReturn)
	assert.InDelta(t, 28.0/3, s.AvgReturn, 1e-9)
}
