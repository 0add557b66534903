package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectSystemMetrics(t *testing.T) {
	m, err := CollectSystemMetrics()
	require.NoError(t, err)
	assert.Greater(t, m.MemoryMB, 0.0)
	assert.GreaterOrEqual(t, m.LogicalCPUs, 1)
	assert.Greater(t, m.Goroutines, 0)

	assert.GreaterOrEqual(t, RecommendedWorkers(0, 64), 1)
	assert.Equal(t, 1, RecommendedWorkers(1, 64))
}

func TestRecommendWorkers(t *testing.T) {
	tests := []struct {
		name        string
		requested   int
		cpus        int
		availableMB float64
		perRunMB    float64
		want        int
	}{
		{"按CPU", 0, 8, 0, 0, 8},
		{"请求数上限", 4, 8, 0, 0, 4},
		{"请求数超过CPU", 16, 8, 0, 0, 8},
		{"内存限制", 0, 8, 300, 100, 3},
		{"内存不足至少1个", 0, 8, 50, 100, 1},
		{"CPU未知", 0, 0, 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, recommendWorkers(tt.requested, tt.cpus, tt.availableMB, tt.perRunMB))
		})
	}
}

func TestThresholdChecker(t *testing.T) {
	now := time.Now()
	checker := NewThresholdChecker(Thresholds{CPUPercent: 90, MemoryMB: 1024, CPURisePercent: 30, MemoryRiseMB: 200})
	history := []*SystemMetrics{
		{Timestamp: now.Add(-10 * time.Minute), CPUPercent: 0, MemoryMB: 0},
		{Timestamp: now.Add(-4 * time.Minute), CPUPercent: 10, MemoryMB: 100},
		{Timestamp: now.Add(-1 * time.Minute), CPUPercent: 50, MemoryMB: 150},
	}

	alerts := checker.Check(&SystemMetrics{Timestamp: now, CPUPercent: 45, MemoryMB: 250}, history)
	require.Len(t, alerts, 1)
	assert.Equal(t, "rate_cpu", alerts[0].Key)

	alerts = checker.Check(&SystemMetrics{Timestamp: now, CPUPercent: 95, MemoryMB: 2048}, history)
	keys := make([]string, 0, len(alerts))
	for _, a := range alerts {
		keys = append(keys, a.Key)
	}
	assert.Equal(t, []string{"fixed_cpu", "fixed_memory", "rate_cpu", "rate_memory"}, keys)

	assert.Empty(t, NewThresholdChecker(Thresholds{}).Check(&SystemMetrics{Timestamp: now, CPUPercent: 100}, history))
}

func TestWatchdogCooldown(t *testing.T) {
	w := NewWatchdog(WatchdogConfig{IntervalSeconds: 60, Thresholds: Thresholds{CPUPercent: 80}}, nil)
	var fired []string
	w.onAlert = func(a Alert, _ *SystemMetrics) { fired = append(fired, a.Key) }

	ts := time.Now()
	w.collect = func() (*SystemMetrics, error) {
		ts = ts.Add(time.Minute)
		return &SystemMetrics{Timestamp: ts, CPUPercent: 95}, nil
	}
	for i := 0; i < 5; i++ {
		w.sample()
	}
	assert.Equal(t, []string{"fixed_cpu"}, fired)
	assert.Len(t, w.History(), 5)
	assert.Equal(t, 95.0, w.Latest().CPUPercent)
}

func TestWatchdogStartStop(t *testing.T) {
	w := NewWatchdog(WatchdogConfig{IntervalSeconds: 3600}, nil)
	sampled := make(chan struct{}, 1)
	w.collect = func() (*SystemMetrics, error) {
		select {
		case sampled <- struct{}{}:
		default:
		}
		return &SystemMetrics{Timestamp: time.Now()}, nil
	}
	assert.Nil(t, w.Latest())

	w.Start(context.Background())
	<-sampled
	w.Stop()
	assert.NotNil(t, w.Latest())
}
