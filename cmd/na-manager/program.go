package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/kardianos/service"

	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/manager"
	"github.com/nafabric/nafabric/pkg/logger"
)

// Program 以系统服务或前台方式运行的 Manager
type Program struct {
	cfg        *config.Config
	configPath string
	host       string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProgram 创建 Program
func NewProgram(cfg *config.Config, configPath, host string) *Program {
	return &Program{cfg: cfg, configPath: configPath, host: host}
}

// Start 实现 service.Interface，真正的工作异步进行
func (p *Program) Start(s service.Service) error {
	if service.Interactive() {
		logger.Info("Running in terminal.")
	} else {
		logger.Info("Running under service manager.")
	}
	m, err := manager.New(p.cfg, manager.Options{ConfigPath: p.configPath, Host: p.host})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, m)
	return nil
}

// run Server 会话丢失时进程以非零码退出，由服务管理器或看门狗重启
func (p *Program) run(ctx context.Context, m *manager.Manager) {
	defer close(p.done)
	err := m.Run(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	logger.Errorf("Manager(%s) exiting: %v", p.cfg.Manager.ID, err)
	if errors.Is(err, manager.ErrServerLost) {
		os.Exit(1)
	}
	os.Exit(2)
}

// Stop 实现 service.Interface
func (p *Program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	start := time.Now()
	p.cancel()
	<-p.done
	logger.Infof("Manager(%s) shut down takes time: %v", p.cfg.Manager.ID, time.Since(start))
	return nil
}
