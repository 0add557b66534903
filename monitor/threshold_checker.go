package monitor

import "time"

// Thresholds 资源告警阈值，零值表示不检查
type Thresholds struct {
	CPUPercent     float64 `yaml:"cpu_percent"`
	MemoryMB       float64 `yaml:"memory_mb"`
	WindowMinutes  int     `yaml:"window_minutes"`
	CPURisePercent float64 `yaml:"cpu_rise_percent"` // 窗口内 CPU 上升幅度
	MemoryRiseMB   float64 `yaml:"memory_rise_mb"`   // 窗口内内存增长量
}

// Alert 告警
type Alert struct {
	Key     string
	Message string
}

// ThresholdChecker 阈值检查器
type ThresholdChecker struct {
	t Thresholds
}

// NewThresholdChecker 创建阈值检查器
func NewThresholdChecker(t Thresholds) *ThresholdChecker {
	if t.WindowMinutes <= 0 {
		t.WindowMinutes = 5
	}
	return &ThresholdChecker{t: t}
}

// Check 返回当前样本触发的全部告警
func (tc *ThresholdChecker) Check(current *SystemMetrics, history []*SystemMetrics) []Alert {
	var alerts []Alert
	if tc.t.CPUPercent > 0 && current.CPUPercent >= tc.t.CPUPercent {
		alerts = append(alerts, Alert{Key: "fixed_cpu", Message: "CPU占用超过阈值"})
	}
	if tc.t.MemoryMB > 0 && current.MemoryMB >= tc.t.MemoryMB {
		alerts = append(alerts, Alert{Key: "fixed_memory", Message: "内存占用超过阈值"})
	}

	oldest := oldestInWindow(history, current.Timestamp, tc.t.WindowMinutes)
	if oldest == nil {
		return alerts
	}
	if tc.t.CPURisePercent > 0 && current.CPUPercent-oldest.CPUPercent >= tc.t.CPURisePercent {
		alerts = append(alerts, Alert{Key: "rate_cpu", Message: "CPU占用快速上升"})
	}
	if tc.t.MemoryRiseMB > 0 && current.MemoryMB-oldest.MemoryMB >= tc.t.MemoryRiseMB {
		alerts = append(alerts, Alert{Key: "rate_memory", Message: "内存占用快速增长"})
	}
	return alerts
}

// oldestInWindow 时间窗口内最早的样本
func oldestInWindow(history []*SystemMetrics, now time.Time, windowMinutes int) *SystemMetrics {
	windowStart := now.Add(-time.Duration(windowMinutes) * time.Minute)
	var oldest *SystemMetrics
	for _, m := range history {
		if m.Timestamp.After(windowStart) && m.Timestamp.Before(now) {
			if oldest == nil || m.Timestamp.Before(oldest.Timestamp) {
				oldest = m
			}
		}
	}
	return oldest
}
