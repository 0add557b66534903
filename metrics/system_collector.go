package metrics

import (
	"context"
	"runtime"
	"time"
)

// SystemMetricsCollector 运行时指标采集器
type SystemMetricsCollector struct {
	pm       *PrometheusMetrics
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	lastGC   uint32
}

// NewSystemMetricsCollector 创建运行时指标采集器
func NewSystemMetricsCollector(interval time.Duration) *SystemMetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SystemMetricsCollector{
		pm:       GetPrometheusMetrics(),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动采集
func (smc *SystemMetricsCollector) Start() {
	go smc.collectLoop()
}

// Stop 停止采集
func (smc *SystemMetricsCollector) Stop() {
	smc.cancel()
}

func (smc *SystemMetricsCollector) collectLoop() {
	ticker := time.NewTicker(smc.interval)
	defer ticker.Stop()

	smc.collect()
	for {
		select {
		case <-smc.ctx.Done():
			return
		case <-ticker.C:
			smc.collect()
		}
	}
}

// collect 采集 goroutine、堆内存和新增 GC 的停顿
func (smc *SystemMetricsCollector) collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	smc.pm.SetGoroutineCount(runtime.NumGoroutine())
	smc.pm.SetMemoryAlloc(m.Alloc)

	// PauseNs 是长度 256 的环形缓冲区
	from := smc.lastGC
	if m.NumGC-from > 256 {
		from = m.NumGC - 256
	}
	for gc := from + 1; gc <= m.NumGC; gc++ {
		if pause := m.PauseNs[(gc+255)%256]; pause > 0 {
			smc.pm.RecordGCPause(time.Duration(pause))
		}
	}
	smc.lastGC = m.NumGC
}
