package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"quantsim/logger"
)

// WebServer Web服务器
type WebServer struct {
	server *http.Server
	addr   string
}

// NewWebServer 创建Web服务器
func NewWebServer(host string, port int, s *Server) *WebServer {
	addr := fmt.Sprintf("%s:%d", host, port)
	return &WebServer{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      s.Engine(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start 启动Web服务器，ctx 取消时自动关闭
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("🌐 Web服务器启动在 http://%s", ws.addr)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("❌ Web服务器启动失败: %v", err)
			errCh <- err
		}
	}()

	go func() {
		<-ctx.Done()
		ws.Stop()
	}()

	// 端口被占用等错误会立即返回
	select {
	case err := <-errCh:
		return err
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

// Stop 停止Web服务器
func (ws *WebServer) Stop() {
	if ws == nil || ws.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(ctx); err != nil {
		logger.Error("❌ Web服务器关闭失败: %v", err)
	} else {
		logger.Info("✅ Web服务器已关闭")
	}
}
