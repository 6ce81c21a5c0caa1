package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"fastproxy_pool/internal/service/web"
	"fastproxy_pool/internal/shared/logger"
	"fastproxy_pool/internal/shared/types"
	manager "fastproxy_pool/proxypool"
	"fastproxy_pool/proxypool/model"
)

// HTTP 服务器优雅关闭的最长等待时间。
const shutdownTimeout = 5 * time.Second

// AppServer 组装代理池管理器、HTTP API 和 WebSocket Hub。
type AppServer struct {
	cfg *types.Config

	proxyPoolManager *manager.Manager
	hub              *web.Hub

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New 根据配置创建 AppServer。存储由管理器在 Run 时打开。
func New(cfg *types.Config) *AppServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &AppServer{
		cfg:              cfg,
		proxyPoolManager: manager.NewManager(manager.ConfigFromConf(cfg.ProxyPoolConf), nil, nil),
		hub:              web.NewHub(),
		ctx:              ctx,
		cancel:           cancel,
	}
	s.proxyPoolManager.OnInstall(s.hub.BroadcastPoolUpdate)
	return s
}

// Manager 返回内部的代理池管理器。
func (s *AppServer) Manager() *manager.Manager {
	return s.proxyPoolManager
}

// Bootstrap 初始化代理池 (目录、存储、快照)。持久化错误只记录不中断。
func (s *AppServer) Bootstrap() {
	l := logger.WithComponent("AppServer")
	if err := s.proxyPoolManager.Init(); err != nil {
		if errors.Is(err, model.ErrPersistenceIO) {
			l.Warn().Err(err).Msg("Proxy pool initialized with persistence errors.")
		} else {
			l.Error().Err(err).Msg("Proxy pool initialization reported errors.")
		}
	}
}

// Run 启动后台刷新、Hub 和 HTTP API，阻塞直到 Stop 被调用。
func (s *AppServer) Run() error {
	l := logger.WithComponent("AppServer")
	l.Info().Msg("Starting fastproxy server...")

	s.Bootstrap()

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(s.ctx)
	}()

	s.proxyPoolManager.Start(s.ctx)

	srv, err := web.StartServer(s.ctx, &s.waitGroup, s.cfg.WebConf, s.proxyPoolManager, s.hub)
	if err != nil {
		s.Stop()
		return err
	}

	<-s.ctx.Done()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			l.Warn().Err(err).Msg("HTTP API shutdown did not complete cleanly.")
		}
	}
	s.waitGroup.Wait()
	return nil
}

// RunOnce 执行一次初始化和同步刷新，返回最快的 n 个代理 (含延迟)。
func (s *AppServer) RunOnce(ctx context.Context, n int) (*manager.RefreshReport, []model.WorkingEntry, error) {
	s.Bootstrap()
	defer s.proxyPoolManager.Stop()

	report, err := s.proxyPoolManager.Refresh(ctx)
	if err != nil {
		return nil, nil, err
	}
	working := s.proxyPoolManager.Working()
	if n < len(working) {
		working = working[:n]
	}
	return report, working, nil
}

// Stop 停止所有组件，可重复调用。
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		l := logger.WithComponent("AppServer")
		l.Info().Msg("Stopping server...")
		s.cancel()
		s.proxyPoolManager.Stop()
	})
}
