package metrics

import (
	"sync"
	"time"

	"quantsim/backtest"
)

// RunStats 本进程内回测任务的汇总统计
type RunStats struct {
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Cancelled   int       `json:"cancelled"`
	TotalTrades int       `json:"total_trades"`
	BestReturn  float64   `json:"best_return"`
	WorstReturn float64   `json:"worst_return"`
	AvgReturn   float64   `json:"avg_return"`
	BestRunID   string    `json:"best_run_id"`
	LastUpdate  time.Time `json:"last_update"`
}

// StatsCollector 汇总统计收集器
type StatsCollector struct {
	mu        sync.RWMutex
	stats     RunStats
	returnSum float64
}

// NewStatsCollector 创建汇总统计收集器
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{stats: RunStats{LastUpdate: time.Now()}}
}

// Record 记录一次结束的回测
func (sc *StatsCollector) Record(result *backtest.BacktestResult) {
	if result == nil || !result.Status.Terminal() {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	s := &sc.stats
	s.Total++
	s.LastUpdate = time.Now()
	switch result.Status {
	case backtest.StatusFailed:
		s.Failed++
		return
	case backtest.StatusCancelled:
		s.Cancelled++
		return
	}

	ret := result.Metrics.TotalReturn
	if s.Completed == 0 || ret > s.BestReturn {
		s.BestReturn = ret
		s.BestRunID = result.ID
	}
	if s.Completed == 0 || ret < s.WorstReturn {
		s.WorstReturn = ret
	}
	s.Completed++
	s.TotalTrades += len(result.Trades)
	sc.returnSum += ret
	s.AvgReturn = sc.returnSum / float64(s.Completed)
}

// Snapshot 获取统计快照
func (sc *StatsCollector) Snapshot() RunStats {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.stats
}
