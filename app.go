package main

import (
	"context"
	"fmt"
	"time"

	"quantsim/config"
	"quantsim/database"
	"quantsim/event"
	"quantsim/lock"
	"quantsim/logger"
	"quantsim/marketdata"
	"quantsim/metrics"
	"quantsim/monitor"
	"quantsim/notify"
	"quantsim/storage"
)

// app 各模式共享的基础组件
type app struct {
	cfg   *config.Config
	debug bool

	store      *storage.SQLiteStore
	cache      *storage.CandleCache
	clickhouse *storage.ClickHouseSource
	logs       *storage.LogStorage
	fetcher    *marketdata.Fetcher
	data       *dataSource

	db     database.Database
	bus    *event.EventBus
	center *event.EventCenter
	locker lock.DistributedLock

	notifier *notify.NotificationService

	sysCollector *metrics.SystemMetricsCollector
	stats        *metrics.StatsCollector
	prom         *metrics.PrometheusMetrics

	closers []func()
}

// newApp 按配置初始化存储、数据源、数据库、事件中心与分布式锁
func newApp(ctx context.Context, cfg *config.Config, logs *storage.LogStorage, debug bool) (*app, error) {
	a := &app{
		cfg:   cfg,
		debug: debug,
		logs:  logs,
		stats: metrics.NewStatsCollector(),
		prom:  metrics.GetPrometheusMetrics(),
	}

	logger.Info("🔧 正在初始化行情存储...")
	store, cache, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("打开行情库失败: %w", err)
	}
	a.store, a.cache = store, cache
	a.onClose(func() { store.Close() })

	if cfg.ClickHouse.Enabled {
		ch, err := storage.NewClickHouseSource(ctx, cfg.ClickHouse)
		if err != nil {
			if cfg.Data.Source == "clickhouse" {
				a.Close()
				return nil, err
			}
			logger.Warn("⚠️ ClickHouse 不可用，将使用本地行情库: %v", err)
		} else {
			a.clickhouse = ch
			a.onClose(func() { ch.Close() })
		}
	}

	if cfg.Data.Source == "auto" || cfg.Data.Source == "binance" {
		a.fetcher = marketdata.NewFetcher(cfg.Binance)
	}
	a.data = newDataSource(cfg.Data, a.newLoader())

	if cfg.Database.Enabled {
		db, err := database.NewDatabase(&cfg.Database)
		if err != nil {
			logger.Warn("⚠️ 初始化数据库失败: %v (回测结果将不落库)", err)
		} else {
			a.db = db
			a.onClose(func() { db.Close() })
			logger.Info("✅ 数据库已初始化 (类型: %s)", cfg.Database.Type)
		}
	}

	logger.Info("🔧 正在初始化事件总线...")
	a.bus = event.NewEventBus(1000)
	a.onClose(a.bus.Close)

	a.notifier = notify.NewNotificationService(cfg.Notifications)
	a.onClose(a.notifier.Wait)

	logger.Info("🔧 正在初始化分布式锁...")
	locker, err := lock.NewDistributedLock(&cfg.Lock)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("初始化分布式锁失败: %w", err)
	}
	a.locker = locker
	a.onClose(func() { locker.Close() })
	if cfg.Lock.Enabled {
		logger.Info("✅ 分布式锁已启用 (类型: %s)", cfg.Lock.Type)
	} else {
		logger.Info("ℹ️ 分布式锁未启用（单机模式）")
	}

	return a, nil
}

// newLoader 按数据来源组合缓存、本地库、ClickHouse 与 Binance
func (a *app) newLoader() *marketdata.Loader {
	var source storage.CandleSource
	if a.clickhouse != nil {
		source = a.clickhouse
	}
	// fetcher 为 nil 时接口值也必须为 nil
	var fetcher marketdata.CandleFetcher
	if a.fetcher != nil {
		fetcher = a.fetcher
	}

	switch a.cfg.Data.Source {
	case "sqlite":
		return marketdata.NewLoader(nil, a.store, nil, nil)
	case "clickhouse":
		return marketdata.NewLoader(a.cache, a.store, source, nil)
	case "binance":
		return marketdata.NewLoader(nil, a.store, emptySource{}, fetcher)
	default:
		return marketdata.NewLoader(a.cache, a.store, source, fetcher)
	}
}

// startEventCenter 启动事件中心，processors 接收所有事件
func (a *app) startEventCenter(force bool, processors ...event.EventProcessor) {
	if a.notifier.Enabled() {
		processors = append(processors, a.notifier)
		force = true
	}
	ecCfg := a.cfg.EventCenter
	if force && !ecCfg.Enabled {
		ecCfg.Enabled = true
	}

	var store event.Store
	if a.db != nil {
		store = a.db
	}
	a.center = event.NewEventCenter(store, a.bus, &ecCfg)
	for _, p := range processors {
		a.center.AddProcessor(p)
	}
	if err := a.center.Start(); err != nil {
		logger.Warn("⚠️ 启动事件中心失败: %v", err)
		return
	}
	a.onClose(a.center.Stop)
}

// startMonitoring 启动 Prometheus 运行时采集与资源看门狗
func (a *app) startMonitoring(ctx context.Context) *monitor.Watchdog {
	a.sysCollector = metrics.NewSystemMetricsCollector(10 * time.Second)
	a.sysCollector.Start()
	a.onClose(a.sysCollector.Stop)
	logger.Info("✅ Prometheus 系统指标采集器已启动")

	if !a.cfg.Watchdog.Enabled {
		return nil
	}
	watchdog := monitor.NewWatchdog(a.cfg.Watchdog, func(alert monitor.Alert, m *monitor.SystemMetrics) {
		a.bus.Publish(&event.Event{
			Type: event.EventTypeResourceAlert,
			Data: map[string]interface{}{
				"key":        alert.Key,
				"message":    alert.Message,
				"cpu":        m.CPUPercent,
				"memory_mb":  m.MemoryMB,
				"goroutines": m.Goroutines,
			},
		})
	})
	watchdog.Start(ctx)
	a.onClose(watchdog.Stop)
	return watchdog
}

// startHousekeeping 每天清理过期日志和K线缓存
func (a *app) startHousekeeping(ctx context.Context) {
	days := a.cfg.Storage.LogRetentionDays
	if days <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			a.cleanup(days)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (a *app) cleanup(days int) {
	logger.Info("🧹 开始定期清理...")
	if a.logs != nil {
		if n, err := a.logs.CleanOldLogs(days); err != nil {
			logger.Warn("⚠️ 清理日志失败: %v", err)
		} else {
			logger.Info("✅ 已清理 %d 条日志（%d天前）", n, days)
		}
	}
	if a.cache != nil {
		if n, err := a.cache.CleanOld(days); err != nil {
			logger.Warn("⚠️ 清理K线缓存失败: %v", err)
		} else if n > 0 {
			logger.Info("✅ 已清理 %d 个K线缓存文件", n)
		}
	}
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close 逆序释放资源，可重复调用
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
