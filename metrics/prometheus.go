package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"quantsim/backtest"
)

var (
	once sync.Once

	// 回测任务指标
	runTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantsim_backtest_runs_total",
			Help: "Total number of backtest runs by final status",
		},
		[]string{"strategy", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantsim_backtest_run_duration_seconds",
			Help:    "Wall-clock duration of backtest runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"strategy"},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantsim_backtest_active_runs",
			Help: "Number of backtest runs currently executing",
		},
	)

	candlesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantsim_backtest_candles_processed_total",
			Help: "Total number of candles replayed",
		},
		[]string{"symbol", "timeframe"},
	)

	// 结果指标（最近一次完成的回测）
	totalReturn = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quantsim_backtest_total_return_percent",
			Help: "Total return of the latest completed run",
		},
		[]string{"symbol", "strategy"},
	)

	maxDrawdown = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quantsim_backtest_max_drawdown_percent",
			Help: "Max drawdown of the latest completed run",
		},
		[]string{"symbol", "strategy"},
	)

	sharpeRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quantsim_backtest_sharpe_ratio",
			Help: "Sharpe ratio of the latest completed run",
		},
		[]string{"symbol", "strategy"},
	)

	winRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quantsim_backtest_win_rate_percent",
			Help: "Win rate of the latest completed run",
		},
		[]string{"symbol", "strategy"},
	)

	// 成交指标
	tradeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantsim_backtest_trades_total",
			Help: "Total number of simulated trades by exit reason",
		},
		[]string{"symbol", "strategy", "exit_reason"},
	)

	tradePnL = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantsim_backtest_trade_pnl",
			Help:    "Realized PnL per simulated trade",
			Buckets: []float64{-1000, -100, -10, -1, 0, 1, 10, 100, 1000},
		},
		[]string{"symbol", "strategy"},
	)

	signalErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantsim_backtest_signal_errors_total",
			Help: "Total number of strategy signal errors",
		},
		[]string{"strategy"},
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantsim_goroutines",
			Help: "Number of goroutines",
		},
	)

	memoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantsim_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	gcPauseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quantsim_gc_pause_seconds",
			Help:    "GC pause duration",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
		},
	)

	// 分布式锁指标
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantsim_lock_acquire_total",
			Help: "Total number of lock acquire attempts",
		},
		[]string{"status"},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// RecordRun 记录一次结束的回测
func (pm *PrometheusMetrics) RecordRun(result *backtest.BacktestResult, duration time.Duration) {
	if result == nil {
		return
	}
	runTotal.WithLabelValues(result.Strategy, string(result.Status)).Inc()
	runDuration.WithLabelValues(result.Strategy).Observe(duration.Seconds())
	if result.Status != backtest.StatusCompleted {
		return
	}

	m := result.Metrics
	totalReturn.WithLabelValues(result.Symbol, result.Strategy).Set(m.TotalReturn)
	maxDrawdown.WithLabelValues(result.Symbol, result.Strategy).Set(m.MaxDrawdown)
	sharpeRatio.WithLabelValues(result.Symbol, result.Strategy).Set(m.SharpeRatio)
	winRate.WithLabelValues(result.Symbol, result.Strategy).Set(m.WinRate)
	candlesProcessed.WithLabelValues(result.Symbol, result.Timeframe).Add(float64(len(result.Equity)))
	pm.RecordTrades(result.Symbol, result.Strategy, result.Trades)
	pm.RecordSignalErrors(result.Strategy, result.SignalErrors)
}

// RecordTrades 记录成交
func (pm *PrometheusMetrics) RecordTrades(symbol, strategy string, trades []backtest.Trade) {
	for _, t := range trades {
		tradeCount.WithLabelValues(symbol, strategy, string(t.ExitReason)).Inc()
		tradePnL.WithLabelValues(symbol, strategy).Observe(t.RealizedPnL)
	}
}

// SetActiveRuns 设置运行中的回测数量
func (pm *PrometheusMetrics) SetActiveRuns(n int) {
	activeRuns.Set(float64(n))
}

// RecordSignalErrors 记录策略信号错误
func (pm *PrometheusMetrics) RecordSignalErrors(strategy string, n int) {
	if n > 0 {
		signalErrors.WithLabelValues(strategy).Add(float64(n))
	}
}

// RecordLockAcquire 记录锁获取（acquired / conflict / error）
func (pm *PrometheusMetrics) RecordLockAcquire(status string) {
	lockAcquireTotal.WithLabelValues(status).Inc()
}

// SetGoroutineCount 设置 Goroutine 数量
func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// SetMemoryAlloc 设置内存分配
func (pm *PrometheusMetrics) SetMemoryAlloc(bytes uint64) {
	memoryAllocBytes.Set(float64(bytes))
}

// RecordGCPause 记录 GC 停顿时间
func (pm *PrometheusMetrics) RecordGCPause(duration time.Duration) {
	gcPauseDuration.Observe(duration.Seconds())
}

// 全局实例
var globalPrometheusMetrics *PrometheusMetrics

// GetPrometheusMetrics 获取全局 Prometheus 指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}
