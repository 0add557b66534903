package monitor

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"quantsim/logger"
)

// SystemMetrics 系统监控指标
type SystemMetrics struct {
	Timestamp         time.Time `json:"timestamp"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryMB          float64   `json:"memory_mb"`
	MemoryPercent     float64   `json:"memory_percent"` // 进程 RSS 占系统内存百分比
	AvailableMemoryMB float64   `json:"available_memory_mb"`
	LogicalCPUs       int       `json:"logical_cpus"`
	Goroutines        int       `json:"goroutines"`
	ProcessID         int       `json:"process_id"`
}

// CollectSystemMetrics 采集系统资源指标
func CollectSystemMetrics() (*SystemMetrics, error) {
	pid := os.Getpid()
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("获取进程失败: %w", err)
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		// 退回系统整体CPU使用率
		cpuPercent, err = getSystemCPUPercent()
		if err != nil {
			return nil, fmt.Errorf("获取CPU占用率失败: %w", err)
		}
	}

	// RSS，实际物理内存
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("获取内存信息失败: %w", err)
	}

	m := &SystemMetrics{
		Timestamp:   time.Now(),
		CPUPercent:  cpuPercent,
		MemoryMB:    float64(memInfo.RSS) / 1024 / 1024,
		LogicalCPUs: runtime.NumCPU(),
		Goroutines:  runtime.NumGoroutine(),
		ProcessID:   pid,
	}

	if memStat, err := mem.VirtualMemory(); err == nil && memStat.Total > 0 {
		m.MemoryPercent = float64(memInfo.RSS) / float64(memStat.Total) * 100
		m.AvailableMemoryMB = float64(memStat.Available) / 1024 / 1024
	}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		m.LogicalCPUs = n
	}
	return m, nil
}

func getSystemCPUPercent() (float64, error) {
	percentages, err := cpu.Percent(time.Second, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, fmt.Errorf("无法获取CPU使用率")
	}
	return percentages[0], nil
}

// RecommendedWorkers 根据CPU核数和可用内存确定参数扫描的并发数
// requested > 0 时作为上限；perRunMB 为单个回测的内存估算
func RecommendedWorkers(requested int, perRunMB float64) int {
	metrics, err := CollectSystemMetrics()
	if err != nil {
		logger.Warn("⚠️ 采集系统资源失败，按CPU核数分配并发: %v", err)
		return recommendWorkers(requested, runtime.NumCPU(), 0, perRunMB)
	}
	n := recommendWorkers(requested, metrics.LogicalCPUs, metrics.AvailableMemoryMB, perRunMB)
	logger.Info("🧮 并发数: %d (CPU %d 核, 可用内存 %.0f MB)", n, metrics.LogicalCPUs, metrics.AvailableMemoryMB)
	return n
}

func recommendWorkers(requested, cpus int, availableMB, perRunMB float64) int {
	n := cpus
	if n < 1 {
		n = 1
	}
	if availableMB > 0 && perRunMB > 0 {
		if byMem := int(availableMB / perRunMB); byMem < n {
			n = byMem
		}
	}
	if requested > 0 && requested < n {
		n = requested
	}
	if n < 1 {
		n = 1
	}
	return n
}

// GetGoRuntimeStats 获取Go运行时统计信息（用于调试）
func GetGoRuntimeStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"goroutines":      runtime.NumGoroutine(),
		"alloc_mb":        float64(m.Alloc) / 1024 / 1024,
		"total_alloc_mb":  float64(m.TotalAlloc) / 1024 / 1024,
		"sys_mb":          float64(m.Sys) / 1024 / 1024,
		"num_gc":          m.NumGC,
		"gc_cpu_fraction": m.GCCPUFraction,
	}
}
