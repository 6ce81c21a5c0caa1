package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"fastproxy_pool/internal/shared/logger"
	"fastproxy_pool/internal/shared/types"
)

// loggingListener 在 debug 级别记录每个被接受的连接。
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf("[WebServer] Connection accepted from: %s", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewMux 注册所有 API 路由。
func NewMux(ctx context.Context, cfg types.WebConf, controller PoolController, hub *Hub) *http.ServeMux {
	handler := NewHandler(ctx, controller)
	mux := http.NewServeMux()

	// --- 认证保护的 API ---
	protect := func(h http.HandlerFunc) http.Handler {
		return basicAuthMiddleware(h, cfg.User, cfg.Password)
	}
	mux.Handle("/api/proxy", protect(handler.HandleGetProxy))
	mux.Handle("/api/proxies", protect(handler.HandleGetProxies))
	mux.Handle("/api/refresh", protect(handler.HandleRefresh))
	mux.Handle("/api/report", protect(handler.HandleReport))
	mux.Handle("/api/blacklist", protect(handler.HandleBlacklist))

	// --- 公开的状态 API 和 WebSocket ---
	mux.HandleFunc("/api/status", handler.HandleStatus)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})
	return mux
}

// StartServer 在 cfg.Port 上启动 HTTP API。端口 <= 0 时不启动并返回 nil。
// 返回的 *http.Server 用于优雅关闭。
func StartServer(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg types.WebConf,
	controller PoolController,
	hub *Hub,
) (*http.Server, error) {
	l := logger.WithComponent("Web/Server")
	if cfg.Port <= 0 {
		l.Info().Msg("HTTP API is disabled (port is 0 or not set).")
		return nil, nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP API on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: NewMux(ctx, cfg, controller, hub)}
	l.Info().Msgf("SUCCESS: HTTP API is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(loggingListener{Listener: listener}); err != nil && err != http.ErrServerClosed {
			l.Error().Err(err).Msg("Web server error")
		}
		l.Info().Msg("Web server stopped.")
	}()
	return srv, nil
}
