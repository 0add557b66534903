package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"quantsim/backtest"
	"quantsim/database"
	"quantsim/logger"
)

// submitRun POST /api/runs
func (s *Server) submitRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "error_invalid_request", err)
		return
	}

	id, err := s.manager.Submit(c.Request.Context(), req)
	if err != nil {
		var cfgErr *backtest.ConfigurationError
		switch {
		case errors.As(err, &cfgErr):
			respondError(c, http.StatusBadRequest, "error_invalid_config", err)
		case errors.Is(err, ErrManagerClosed):
			respondError(c, http.StatusServiceUnavailable, "error_service_closing")
		default:
			respondError(c, http.StatusInternalServerError, "error_invalid_request", err)
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"success": true, "id": id})
}

// listRuns GET /api/runs
// 带 symbol/strategy/status 过滤条件且启用数据库时查询历史记录
func (s *Server) listRuns(c *gin.Context) {
	db := s.manager.Database()
	if c.Query("history") != "true" || db == nil {
		respondOK(c, s.manager.List())
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	runs, err := db.ListRuns(c.Request.Context(), &database.RunFilter{
		Symbol:   c.Query("symbol"),
		Strategy: c.Query("strategy"),
		Status:   c.Query("status"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		logger.Error("❌ 查询回测记录失败: %v", err)
		respondError(c, http.StatusInternalServerError, "error_query_failed", err)
		return
	}
	views := make([]*RunView, 0, len(runs))
	for _, r := range runs {
		views = append(views, viewFromRecord(r))
	}
	respondOK(c, views)
}

// getRun GET /api/runs/:id
func (s *Server) getRun(c *gin.Context) {
	view, err := s.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondRunError(c, err)
		return
	}
	if c.Query("full") != "true" && view.Result != nil {
		trimmed := *view
		trimmed.Result = nil
		view = &trimmed
	}
	respondOK(c, view)
}

// cancelRun POST /api/runs/:id/cancel
func (s *Server) cancelRun(c *gin.Context) {
	if err := s.manager.Cancel(c.Param("id")); err != nil {
		s.respondRunError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// getRunTrades GET /api/runs/:id/trades
func (s *Server) getRunTrades(c *gin.Context) {
	id := c.Param("id")
	if view, err := s.manager.Get(c.Request.Context(), id); err == nil && view.Result != nil {
		respondOK(c, view.Result.Trades)
		return
	}
	db := s.manager.Database()
	if db == nil {
		respondError(c, http.StatusNotFound, "error_run_not_found")
		return
	}
	trades, err := db.GetTrades(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "error_query_failed", err)
		return
	}
	respondOK(c, trades)
}

// getRunEquity GET /api/runs/:id/equity
func (s *Server) getRunEquity(c *gin.Context) {
	id := c.Param("id")
	if view, err := s.manager.Get(c.Request.Context(), id); err == nil && view.Result != nil {
		respondOK(c, view.Result.Equity)
		return
	}
	db := s.manager.Database()
	if db == nil {
		respondError(c, http.StatusNotFound, "error_run_not_found")
		return
	}
	points, err := db.GetEquity(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "error_query_failed", err)
		return
	}
	respondOK(c, points)
}

// getRunReport GET /api/runs/:id/report，返回 markdown
func (s *Server) getRunReport(c *gin.Context) {
	view, err := s.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondRunError(c, err)
		return
	}
	if view.Result == nil {
		respondError(c, http.StatusConflict, "error_report_unavailable")
		return
	}
	report, err := backtest.RenderReport(view.Result, GetLanguage(c))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "error_query_failed", err)
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(report))
}

// listStrategies GET /api/strategies
func (s *Server) listStrategies(c *gin.Context) {
	respondOK(c, backtest.StrategyNames())
}

// getStats GET /api/stats
func (s *Server) getStats(c *gin.Context) {
	respondOK(c, s.manager.Stats())
}

// getEvents GET /api/events
func (s *Server) getEvents(c *gin.Context) {
	db := s.manager.Database()
	if db == nil {
		respondError(c, http.StatusServiceUnavailable, "error_database_unavailable")
		return
	}

	filter := &database.EventFilter{
		RunID:    c.Query("run_id"),
		Type:     c.Query("type"),
		Severity: c.Query("severity"),
	}
	if v := c.Query("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartTime = &t
		}
	}
	if v := c.Query("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndTime = &t
		}
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	events, err := db.GetEvents(ctx, filter)
	if err != nil {
		logger.Error("❌ 查询事件失败: %v", err)
		respondError(c, http.StatusInternalServerError, "error_query_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": events, "count": len(events)})
}

func (s *Server) respondRunError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRunNotFound):
		respondError(c, http.StatusNotFound, "error_run_not_found")
	case errors.Is(err, ErrRunFinished):
		respondError(c, http.StatusConflict, "error_run_finished")
	default:
		respondError(c, http.StatusInternalServerError, "error_query_failed", err)
	}
}
