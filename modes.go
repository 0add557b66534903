package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"quantsim/backtest"
	"quantsim/config"
	"quantsim/lock"
	"quantsim/logger"
	"quantsim/marketdata"
	"quantsim/monitor"
	"quantsim/storage"
	"quantsim/web"
)

// repeat 执行一次，-watch 时在回测相关配置变更后重新执行
func (a *app) repeat(ctx context.Context, configPath string, watch bool, fn func(context.Context) error) error {
	a.startEventCenter(false)

	err := fn(ctx)
	if !watch {
		return err
	}
	if err != nil {
		logger.Error("❌ 执行失败: %v", err)
	}

	hot := config.NewHotReloader(a.cfg)
	backups := config.NewBackupManager(config.DefaultBackupDir, config.DefaultMaxBackups)
	watcher, err := config.NewConfigWatcher(configPath, hot, backups)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-watcher.GetErrorChan():
			logger.Warn("⚠️ 配置文件错误，保持当前配置: %v", err)
		case diff := <-watcher.GetUpdateChan():
			if !diff.RequiresRerun() {
				logger.Info("ℹ️ 变更不影响回测结果，跳过重新执行: %s", strings.Join(diff.Paths(), ", "))
				continue
			}
			a.reconfigure(hot.GetCurrentConfig())
			logger.Info("🔁 配置已变更，重新执行...")
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error("❌ 执行失败: %v", err)
			}
		}
	}
}

// reconfigure 热更新后重建数据入口
func (a *app) reconfigure(cfg *config.Config) {
	a.cfg = cfg
	if a.fetcher == nil && (cfg.Data.Source == "auto" || cfg.Data.Source == "binance") {
		a.fetcher = marketdata.NewFetcher(cfg.Binance)
	}
	a.data = newDataSource(cfg.Data, a.newLoader())
}

// runBacktest 单次回测
func (a *app) runBacktest(ctx context.Context) error {
	cfg := a.cfg.Backtest
	candles, err := a.data.load(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("加载回测数据失败: %w", err)
	}
	strategy, err := backtest.NewStrategy(cfg.Strategy, cfg.StrategyParams)
	if err != nil {
		return err
	}

	began := time.Now()
	bt := backtest.NewBacktester(cfg, candles, strategy,
		backtest.WithRunID(uuid.NewString()), backtest.WithEventBus(a.bus))
	result, err := bt.Run(ctx)
	a.record(result, time.Since(began))
	if err != nil {
		return err
	}

	logResult(cfg.Strategy, result)
	a.persist(result)
	a.writeReport(result)
	return nil
}

// runSweep 参数扫描，同一周期的任务共享一份K线
func (a *app) runSweep(ctx context.Context) error {
	jobs := a.cfg.SweepJobs()
	workers := monitor.RecommendedWorkers(a.cfg.Sweep.Workers, a.cfg.Sweep.PerRunMemoryMB)

	var order []string
	groups := make(map[string][]int)
	for i, job := range jobs {
		tf := job.Config.Timeframe
		if _, ok := groups[tf]; !ok {
			order = append(order, tf)
		}
		groups[tf] = append(groups[tf], i)
	}

	results := make([]backtest.SweepResult, len(jobs))
	for _, tf := range order {
		idx := groups[tf]
		base := jobs[idx[0]].Config
		key := fmt.Sprintf("sweep:%s:%s", base.Symbol, tf)

		err := lock.WithLock(ctx, a.locker, key, a.cfg.Lock.DefaultTTL, func() error {
			a.prom.RecordLockAcquire("acquired")
			candles, err := a.data.load(ctx, &base)
			if err != nil {
				return err
			}

			sub := make([]backtest.SweepJob, len(idx))
			for i, j := range idx {
				sub[i] = jobs[j]
				if sub[i].Config.MarketType == backtest.MarketFutures && len(sub[i].Config.FundingRates) == 0 {
					sub[i].Config.FundingRates = base.FundingRates
				}
			}

			began := time.Now()
			out := backtest.RunSweep(ctx, candles, sub, workers, backtest.WithEventBus(a.bus))
			// 单组耗时按 worker 数平摊
			perRun := time.Since(began) * time.Duration(workers) / time.Duration(len(sub))
			for i, j := range idx {
				results[j] = out[i]
				a.record(out[i].Result, perRun)
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, lock.ErrLockHeld) {
				a.prom.RecordLockAcquire("conflict")
				logger.Warn("⚠️ %s 正在由其他实例扫描，跳过", key)
			} else {
				logger.Error("❌ 周期 %s 扫描失败: %v", tf, err)
			}
			for _, j := range idx {
				results[j] = backtest.SweepResult{Job: jobs[j], Err: err}
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	logger.Info("📊 参数扫描结果:")
	for _, r := range results {
		if r.Err != nil || r.Result == nil {
			logger.Warn("  %-36s 失败: %v", r.Job.Name, r.Err)
			continue
		}
		m := r.Result.Metrics
		logger.Info("  %-36s 收益 %7.2f%% 回撤 %6.2f%% 夏普 %5.2f 交易 %d",
			r.Job.Name, m.TotalReturn, m.MaxDrawdown, m.SharpeRatio, m.TotalTrades)
		a.persist(r.Result)
	}

	best, ok := backtest.BestBy(results, func(m backtest.Metrics) float64 { return m.SharpeRatio })
	if !ok {
		return fmt.Errorf("参数扫描没有成功的回测")
	}
	logResult(best.Job.Name, best.Result)
	a.writeReport(best.Result)
	return nil
}

// fetch 下载回测区间内的K线与资金费率到本地行情库
func (a *app) fetch(ctx context.Context) error {
	a.startEventCenter(false)

	start, end := a.data.Range()
	if start.IsZero() {
		return fmt.Errorf("fetch 模式需要配置 data.start 和 data.end")
	}
	if a.fetcher == nil {
		a.fetcher = marketdata.NewFetcher(a.cfg.Binance)
	}

	base := a.cfg.Backtest
	seen := make(map[string]bool)
	for _, job := range a.cfg.SweepJobs() {
		tf := job.Config.Timeframe
		if seen[tf] {
			continue
		}
		seen[tf] = true

		key := fmt.Sprintf("candles:%s:%s", base.Symbol, tf)
		err := lock.WithLock(ctx, a.locker, key, a.cfg.Lock.DefaultTTL, func() error {
			candles, err := a.fetcher.FetchKlines(ctx, base.Symbol, tf, start, end)
			if err != nil {
				return err
			}
			if err := a.store.SaveCandles(ctx, base.Symbol, tf, candles); err != nil {
				return err
			}
			if err := a.cache.Save(storage.CacheKey(base.Symbol, tf, start, end), candles); err != nil {
				logger.Warn("⚠️ 缓存保存失败: %v", err)
			}
			if tf == base.Timeframe && a.cfg.Data.CSVPath != "" {
				if err := storage.SaveCandlesCSV(a.cfg.Data.CSVPath, candles); err != nil {
					return err
				}
				logger.Info("💾 已导出 CSV: %s", a.cfg.Data.CSVPath)
			}
			logger.Info("✅ 已下载 %s %s: %d 根K线", base.Symbol, tf, len(candles))
			return nil
		})
		if errors.Is(err, lock.ErrLockHeld) {
			logger.Warn("⚠️ %s 正在由其他实例下载，跳过", key)
			continue
		}
		if err != nil {
			return fmt.Errorf("下载 %s %s 失败: %w", base.Symbol, tf, err)
		}
	}

	if base.MarketType != backtest.MarketFutures {
		return nil
	}
	rates, err := a.fetcher.FetchFundingRates(ctx, base.Symbol, start, end)
	if err != nil {
		return fmt.Errorf("下载资金费率失败: %w", err)
	}
	n, err := a.store.SaveFundingRates(ctx, base.Symbol, rates)
	if err != nil {
		return err
	}
	logger.Info("✅ 已下载 %s 资金费率: %d 条", base.Symbol, n)
	return nil
}

// serve 启动 HTTP 服务，直到收到退出信号
func (a *app) serve(ctx context.Context) error {
	hub := web.NewWebSocketHub()
	a.startEventCenter(true, hub)
	watchdog := a.startMonitoring(ctx)
	a.startHousekeeping(ctx)

	mcfg := web.RunManagerConfig{
		MaxConcurrent:    a.cfg.Web.MaxConcurrentRuns,
		ProgressThrottle: time.Duration(a.cfg.Web.ProgressThrottleMs) * time.Millisecond,
		LockTTL:          a.cfg.Lock.DefaultTTL,
		ReportLanguage:   a.cfg.Report.Language,
		EquityCSV:        a.cfg.Report.EquityCSV,
	}
	if a.cfg.Report.Enabled {
		mcfg.ReportDir = a.cfg.Report.Dir
	}
	manager := web.NewRunManager(mcfg, a.data,
		web.WithDatabase(a.db),
		web.WithEventBus(a.bus),
		web.WithLock(a.locker),
		web.WithFunding(a.data),
		web.WithStats(a.stats),
	)

	server := web.NewServer(manager, hub,
		web.WithWatchdog(watchdog),
		web.WithLogStorage(a.logs),
		web.WithCandleCache(a.cache),
		web.WithDebug(a.debug),
		web.WithLanguage(a.cfg.Report.Language),
	)
	ws := web.NewWebServer(a.cfg.Web.Host, a.cfg.Web.Port, server)
	if err := ws.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("⏹️ 收到退出信号，正在取消运行中的回测...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("⚠️ 等待回测退出超时: %v", err)
	}
	hub.Close()
	ws.Stop()
	return nil
}

func (a *app) record(result *backtest.BacktestResult, d time.Duration) {
	if result == nil {
		return
	}
	a.prom.RecordRun(result, d)
	a.stats.Record(result)
}

func (a *app) persist(result *backtest.BacktestResult) {
	if a.db == nil || result == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.db.SaveResult(ctx, result); err != nil {
		logger.Error("❌ 保存回测结果失败: %v", err)
	}
}

func (a *app) writeReport(result *backtest.BacktestResult) {
	if !a.cfg.Report.Enabled || result == nil {
		return
	}
	path, err := backtest.GenerateReport(result, a.cfg.Report.Dir, a.cfg.Report.Language)
	if err != nil {
		logger.Warn("⚠️ 生成报告失败: %v", err)
		return
	}
	logger.Info("📄 报告已生成: %s", path)
	if a.cfg.Report.EquityCSV {
		if path, err := backtest.SaveEquityCurveCSV(result, a.cfg.Report.Dir); err != nil {
			logger.Warn("⚠️ 保存权益曲线失败: %v", err)
		} else {
			logger.Info("💾 权益曲线已保存: %s", path)
		}
	}
}

func logResult(name string, r *backtest.BacktestResult) {
	m := r.Metrics
	logger.Info("========== 回测结果: %s ==========", name)
	logger.Info("💰 初始资金: %.2f, 最终资金: %.2f", r.InitialBalance, r.FinalBalance)
	logger.Info("📈 总收益: %.2f%%, 年化: %.2f%%", m.TotalReturn, m.AnnualizedReturn)
	logger.Info("📉 最大回撤: %.2f%%, 夏普比率: %.2f", m.MaxDrawdown, m.SharpeRatio)
	logger.Info("🎯 交易次数: %d, 胜率: %.2f%%, 盈亏比: %.2f", m.TotalTrades, m.WinRate, m.ProfitFactor)
	if r.SignalErrors > 0 {
		logger.Warn("⚠️ 策略信号错误: %d 次", r.SignalErrors)
	}
}
