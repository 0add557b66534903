package backtest

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"quantsim/logger"
)

// SweepJob 参数扫描中的一组配置
type SweepJob struct {
	Name   string `json:"name" yaml:"name"`
	Config Config `json:"config" yaml:"config"`
}

// SweepResult 单组配置的回测结果
type SweepResult struct {
	Job    SweepJob        `json:"job"`
	Result *BacktestResult `json:"result,omitempty"`
	Err    error           `json:"-"`
}

// RunSweep 在 worker 池中并行执行多组回测
// 所有回测共享同一份只读K线；每个回测拥有独立的账本和权益跟踪器
// 返回结果与 jobs 顺序一致
func RunSweep(ctx context.Context, candles []Candle, jobs []SweepJob, workers int, opts ...Option) []SweepResult {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}
	results := make([]SweepResult, len(jobs))
	if len(jobs) == 0 {
		return results
	}

	start := time.Now()
	logger.Info("🔬 开始参数扫描: %d 组配置, %d 个 worker", len(jobs), workers)

	indexes := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indexes {
				results[idx] = runSweepJob(ctx, candles, jobs[idx], idx, opts)
			}
		}()
	}

dispatch:
	for i := range jobs {
		select {
		case indexes <- i:
		case <-ctx.Done():
			for j := i; j < len(jobs); j++ {
				results[j] = SweepResult{Job: jobs[j], Err: ErrCancelled}
			}
			break dispatch
		}
	}
	close(indexes)
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	logger.Info("✅ 参数扫描完成: 成功 %d, 失败 %d, 耗时 %v", len(jobs)-failed, failed, time.Since(start).Round(time.Millisecond))
	return results
}

func runSweepJob(ctx context.Context, candles []Candle, job SweepJob, idx int, opts []Option) SweepResult {
	if job.Name == "" {
		job.Name = fmt.Sprintf("%s-%d", job.Config.Strategy, idx)
	}
	strategy, err := NewStrategy(job.Config.Strategy, job.Config.StrategyParams)
	if err != nil {
		return SweepResult{Job: job, Err: configErr("strategy", "%v", err)}
	}
	jobOpts := append(append([]Option(nil), opts...), WithRunID(job.Name))
	result, err := NewBacktester(job.Config, candles, strategy, jobOpts...).Run(ctx)
	return SweepResult{Job: job, Result: result, Err: err}
}

// BestBy 按评分函数选出最优的成功结果，没有成功结果时返回 false
func BestBy(results []SweepResult, score func(Metrics) float64) (SweepResult, bool) {
	var best SweepResult
	found := false
	bestScore := 0.0
	for _, r := range results {
		if r.Err != nil || r.Result == nil || r.Result.Status != StatusCompleted {
			continue
		}
		s := score(r.Result.Metrics)
		if !found || s > bestScore {
			best, bestScore, found = r, s, true
		}
	}
	return best, found
}
