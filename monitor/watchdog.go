package monitor

import (
	"context"
	"sync"
	"time"

	"quantsim/logger"
)

// WatchdogConfig 资源看门狗配置
type WatchdogConfig struct {
	Enabled         bool       `yaml:"enabled"`
	IntervalSeconds int        `yaml:"interval_seconds"`
	CooldownMinutes int        `yaml:"cooldown_minutes"`
	Thresholds      Thresholds `yaml:"thresholds"`
}

// Watchdog 定期采样进程资源，超过阈值时告警（serve 模式下长时间运行扫描任务）
type Watchdog struct {
	collect  func() (*SystemMetrics, error)
	checker  *ThresholdChecker
	interval time.Duration
	cooldown time.Duration
	onAlert  func(Alert, *SystemMetrics)

	mu           sync.RWMutex
	history      []*SystemMetrics
	maxHistory   int
	lastNotified map[string]time.Time
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewWatchdog 创建看门狗，onAlert 可为 nil（只记日志）
func NewWatchdog(cfg WatchdogConfig, onAlert func(Alert, *SystemMetrics)) *Watchdog {
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute
	if cooldown <= 0 {
		cooldown = 30 * time.Minute
	}
	checker := NewThresholdChecker(cfg.Thresholds)

	// 保留变化率窗口所需的样本数，多留一些
	maxHistory := int(time.Duration(checker.t.WindowMinutes)*time.Minute/interval) + 10

	return &Watchdog{
		collect:      CollectSystemMetrics,
		checker:      checker,
		interval:     interval,
		cooldown:     cooldown,
		onAlert:      onAlert,
		maxHistory:   maxHistory,
		lastNotified: make(map[string]time.Time),
	}
}

// Start 启动采样
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	logger.Info("✅ 资源看门狗已启动 (采样间隔: %v)", w.interval)
	go w.samplingLoop(ctx)
}

// Stop 停止采样
func (w *Watchdog) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	logger.Info("✅ 资源看门狗已停止")
}

func (w *Watchdog) samplingLoop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sample()
		}
	}
}

// sample 采样一次并检查阈值
func (w *Watchdog) sample() {
	m, err := w.collect()
	if err != nil {
		logger.Error("❌ 采集系统指标失败: %v", err)
		return
	}

	w.mu.Lock()
	alerts := w.checker.Check(m, w.history)
	w.history = append(w.history, m)
	if len(w.history) > w.maxHistory {
		w.history = w.history[len(w.history)-w.maxHistory:]
	}
	var fire []Alert
	for _, a := range alerts {
		if last, ok := w.lastNotified[a.Key]; ok && m.Timestamp.Sub(last) < w.cooldown {
			continue
		}
		w.lastNotified[a.Key] = m.Timestamp
		fire = append(fire, a)
	}
	w.mu.Unlock()

	for _, a := range fire {
		logger.Warn("🚨 [系统监控告警] %s: CPU=%.2f%%, 内存=%.2f MB", a.Message, m.CPUPercent, m.MemoryMB)
		if w.onAlert != nil {
			w.onAlert(a, m)
		}
	}
}

// Latest 最近一次采样
func (w *Watchdog) Latest() *SystemMetrics {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.history) == 0 {
		return nil
	}
	return w.history[len(w.history)-1]
}

// History 采样历史（副本）
func (w *Watchdog) History() []*SystemMetrics {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*SystemMetrics(nil), w.history...)
}
