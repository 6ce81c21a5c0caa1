package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"fastproxy_pool/internal/app"
	"fastproxy_pool/internal/shared/config"
	"fastproxy_pool/internal/shared/logger"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	once := flag.Bool("once", false, "Run a single refresh, print the fastest proxies and exit")
	top := flag.Int("top", 5, "Number of proxies to print in -once mode")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "fastproxy.ini")

	// 1. 加载 .ini 配置 (文件不存在时使用默认值)
	cfg := config.Default()
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	appServer := app.New(cfg)

	// 2. 信号处理：第一次 Ctrl+C 优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		report, fastest, err := appServer.RunOnce(ctx, *top)
		if err != nil {
			logger.Fatal().Err(err).Msg("Refresh abandoned")
		}
		fmt.Printf("Refresh %s: %d candidates, %d tested, %d working\n",
			report.CycleID, report.Candidates, report.Tested, report.Working)
		if len(fastest) == 0 {
			fmt.Println("No working proxies found.")
			return
		}
		for i, e := range fastest {
			fmt.Printf("%d. %s (%.2f ms)\n", i+1, e.Candidate, e.LatencyMillis())
		}
		return
	}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("Signal received, shutting down...")
		appServer.Stop()
	}()

	// 3. 运行服务器，阻塞直到退出
	if err := appServer.Run(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}
