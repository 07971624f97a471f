package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nafabric/nafabric/api/router"
	"github.com/nafabric/nafabric/internal/app"
	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/database"
	"github.com/nafabric/nafabric/internal/server"
	"github.com/nafabric/nafabric/pkg/logger"
	"github.com/nafabric/nafabric/simulate"
)

func main() {
	configPath := flag.String("config", "configs/nafabric.yaml", "config file path")
	simPath := flag.String("simulate", "", "start NE simulators from this yaml (lab use)")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := app.InitLogger(cfg, "Server", ""); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Infof("Starting nafabric server, managers on %s, http on %s", cfg.GetServerAddr(), cfg.GetHTTPAddr())

	// 初始化数据库
	if err := database.InitSQLite(cfg.Database.SQLite); err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	srv, err := server.New(cfg, server.NewStore(database.GetDB()))
	if err != nil {
		logger.Fatalf("Failed to create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Run(ctx) }()

	// 启动模拟网元（可选）
	var simMgr *simulate.Manager
	if *simPath != "" {
		sc, err := simulate.LoadConfig(*simPath)
		if err != nil {
			logger.Warnf("Simulate: failed to load %s: %v", *simPath, err)
		} else if simMgr, err = simulate.Start(sc); err != nil {
			logger.Warnf("Simulate: failed to start: %v", err)
		} else {
			logger.Infof("Simulate: started %v", simMgr.Names())
			go watchSimulate(ctx, *simPath, simMgr)
		}
	}
	defer func() {
		if simMgr != nil {
			simMgr.Stop()
		}
	}()

	// 创建HTTP服务器
	httpServer := &http.Server{
		Addr:           cfg.GetHTTPAddr(),
		Handler:        router.SetupRouter(srv),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}
	go func() {
		logger.Infof("HTTP front door starting on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start http server: %v", err)
		}
	}()

	// 配置文件监听与热更新
	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			if err := app.InitLogger(next, "Server", ""); err != nil {
				logger.Warnf("Logger reinit failed: %v", err)
			}
			srv.UpdateConfig(next)
			logger.Info("Config reloaded")
		})
		if err != nil {
			logger.Warnf("Config watch stopped: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			logger.Errorf("Manager listener stopped: %v", err)
		}
	}

	logger.Info("Server shutting down...")
	srv.Shutdown(cfg.Manager.TerminateWait)
	cancel()

	// 优雅关闭服务器
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	} else {
		logger.Info("Server shutdown complete")
	}
}

// watchSimulate simulate.yaml 变化时热更新模拟网元
func watchSimulate(ctx context.Context, path string, m *simulate.Manager) {
	err := config.WatchFile(ctx, path, func() {
		sc, err := simulate.LoadConfig(path)
		if err != nil {
			logger.Warnf("Simulate: reload %s failed: %v", path, err)
			return
		}
		if err := m.Reload(sc); err != nil {
			logger.Warnf("Simulate: hot reload failed: %v", err)
			return
		}
		logger.Infof("Simulate: hot reload success %v", m.Names())
	})
	if err != nil {
		logger.Warnf("Simulate watch stopped: %v", err)
	}
}
