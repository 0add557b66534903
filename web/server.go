package web

import (
	"net/http"
	"net/http/pprof"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quantsim/monitor"
	"quantsim/storage"
)

// Server 回测服务的 HTTP 层
type Server struct {
	manager  *RunManager
	hub      *WebSocketHub
	watchdog *monitor.Watchdog
	logs     *storage.LogStorage
	cache    *storage.CandleCache
	debug    bool
	lang     string
}

// ServerOption 可选依赖
type ServerOption func(*Server)

// WithWatchdog 系统资源监控
func WithWatchdog(w *monitor.Watchdog) ServerOption {
	return func(s *Server) { s.watchdog = w }
}

// WithLogStorage 日志查询
func WithLogStorage(ls *storage.LogStorage) ServerOption {
	return func(s *Server) { s.logs = ls }
}

// WithCandleCache K线缓存管理
func WithCandleCache(cc *storage.CandleCache) ServerOption {
	return func(s *Server) { s.cache = cc }
}

// WithDebug 输出全部请求日志并开启 pprof
func WithDebug(debug bool) ServerOption {
	return func(s *Server) { s.debug = debug }
}

// WithLanguage 默认响应语言
func WithLanguage(lang string) ServerOption {
	return func(s *Server) { s.lang = lang }
}

// NewServer 创建 HTTP 层
func NewServer(manager *RunManager, hub *WebSocketHub, opts ...ServerOption) *Server {
	s := &Server{manager: manager, hub: hub}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine 构建 gin 路由
func (s *Server) Engine() *gin.Engine {
	if s.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), GinLoggerMiddleware(s.debug), I18nMiddleware(s.lang))
	s.setupRoutes(r)
	return r
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Prometheus metrics 端点
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.debug {
		pprofGroup := r.Group("/debug/pprof")
		{
			pprofGroup.GET("/", gin.WrapF(pprof.Index))
			pprofGroup.GET("/profile", gin.WrapF(pprof.Profile))
			pprofGroup.GET("/trace", gin.WrapF(pprof.Trace))
			pprofGroup.GET("/heap", gin.WrapH(pprof.Handler("heap")))
			pprofGroup.GET("/goroutine", gin.WrapH(pprof.Handler("goroutine")))
		}
	}

	api := r.Group("/api")
	{
		api.GET("/strategies", s.listStrategies)
		api.GET("/stats", s.getStats)

		runs := api.Group("/runs")
		{
			runs.POST("", s.submitRun)
			runs.GET("", s.listRuns)
			runs.GET("/:id", s.getRun)
			runs.POST("/:id/cancel", s.cancelRun)
			runs.GET("/:id/trades", s.getRunTrades)
			runs.GET("/:id/equity", s.getRunEquity)
			runs.GET("/:id/report", s.getRunReport)
		}

		api.GET("/events", s.getEvents)

		// 系统监控
		api.GET("/system/metrics", s.getSystemMetrics)
		api.GET("/system/runtime", s.getRuntimeStats)

		// 日志
		api.GET("/logs", s.getLogs)

		// K线缓存
		cache := api.Group("/cache")
		{
			cache.GET("", s.listCache)
			cache.GET("/stats", s.getCacheStats)
			cache.DELETE("/:key", s.deleteCache)
			cache.DELETE("", s.clearCache)
		}
	}

	// WebSocket 路由
	if s.hub != nil {
		r.GET("/ws", s.hub.handleWebSocket)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "not found"})
	})
}
