package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"quantsim/logger"
	"quantsim/monitor"
	"quantsim/storage"
)

// SystemMetricsResponse 系统监控数据
type SystemMetricsResponse struct {
	Timestamp         time.Time `json:"timestamp"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryMB          float64   `json:"memory_mb"`
	MemoryPercent     float64   `json:"memory_percent"`
	AvailableMemoryMB float64   `json:"available_memory_mb"`
	Goroutines        int       `json:"goroutines"`
	ProcessID         int       `json:"process_id"`
	ActiveClients     int       `json:"active_clients"`
}

func toSystemMetricsResponse(m *monitor.SystemMetrics) *SystemMetricsResponse {
	return &SystemMetricsResponse{
		Timestamp:         m.Timestamp,
		CPUPercent:        m.CPUPercent,
		MemoryMB:          m.MemoryMB,
		MemoryPercent:     m.MemoryPercent,
		AvailableMemoryMB: m.AvailableMemoryMB,
		Goroutines:        m.Goroutines,
		ProcessID:         m.ProcessID,
	}
}

// getSystemMetrics GET /api/system/metrics
// 优先使用 watchdog 的最新采样，否则实时采集；history=true 时返回采样历史
func (s *Server) getSystemMetrics(c *gin.Context) {
	if c.Query("history") == "true" && s.watchdog != nil {
		history := s.watchdog.History()
		out := make([]*SystemMetricsResponse, 0, len(history))
		for _, m := range history {
			out = append(out, toSystemMetricsResponse(m))
		}
		respondOK(c, out)
		return
	}

	var latest *monitor.SystemMetrics
	if s.watchdog != nil {
		latest = s.watchdog.Latest()
	}
	if latest == nil {
		m, err := monitor.CollectSystemMetrics()
		if err != nil {
			logger.Warn("⚠️ 采集系统指标失败: %v", err)
			respondError(c, http.StatusInternalServerError, "error_query_failed", err)
			return
		}
		latest = m
	}

	resp := toSystemMetricsResponse(latest)
	if s.hub != nil {
		resp.ActiveClients = s.hub.ClientCount()
	}
	respondOK(c, resp)
}

// getRuntimeStats GET /api/system/runtime
func (s *Server) getRuntimeStats(c *gin.Context) {
	respondOK(c, monitor.GetGoRuntimeStats())
}

// getLogs GET /api/logs
func (s *Server) getLogs(c *gin.Context) {
	if s.logs == nil {
		respondError(c, http.StatusServiceUnavailable, "error_log_unavailable")
		return
	}

	params := storage.LogQueryParams{
		Level:   c.Query("level"),
		Keyword: c.Query("keyword"),
	}
	if v := c.Query("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = t
		}
	}
	if v := c.Query("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = t
		}
	}
	params.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))
	params.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	logs, total, err := s.logs.GetLogs(params)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "error_query_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": logs, "total": total})
}

// listCache GET /api/cache
func (s *Server) listCache(c *gin.Context) {
	if s.cache == nil {
		respondError(c, http.StatusServiceUnavailable, "error_cache_unavailable")
		return
	}
	entries, err := s.cache.List()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "error_query_failed", err)
		return
	}
	respondOK(c, entries)
}

// getCacheStats GET /api/cache/stats
func (s *Server) getCacheStats(c *gin.Context) {
	if s.cache == nil {
		respondError(c, http.StatusServiceUnavailable, "error_cache_unavailable")
		return
	}
	stats, err := s.cache.Stats()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "error_query_failed", err)
		return
	}
	respondOK(c, stats)
}

// deleteCache DELETE /api/cache/:key
func (s *Server) deleteCache(c *gin.Context) {
	if s.cache == nil {
		respondError(c, http.StatusServiceUnavailable, "error_cache_unavailable")
		return
	}
	if err := s.cache.Delete(c.Param("key")); err != nil {
		respondError(c, http.StatusInternalServerError, "error_query_failed", err)
		return
	}
	logger.Info("🗑️ 已删除K线缓存: %s", c.Param("key"))
	respondOK(c, nil)
}

// clearCache DELETE /api/cache
func (s *Server) clearCache(c *gin.Context) {
	if s.cache == nil {
		respondError(c, http.StatusServiceUnavailable, "error_cache_unavailable")
		return
	}
	if err := s.cache.Clear(); err != nil {
		respondError(c, http.StatusInternalServerError, "error_query_failed", err)
		return
	}
	logger.Info("🗑️ 已清空K线缓存")
	respondOK(c, nil)
}
