package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"

	"github.com/nafabric/nafabric/internal/app"
	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/pkg/logger"
)

var (
	configPath = flag.String("config", "configs/nafabric.yaml", "config file path")
	action     = flag.String("action", "", "Service action for manager: start, stop, restart, install, uninstall")
	host       = flag.String("host", "", "host name reported in GUIDs (default os hostname)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := app.InitLogger(cfg, "Manager_"+cfg.Manager.ID, ""); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	h := *host
	if h == "" {
		h, _ = os.Hostname()
	}
	absConfig, err := filepath.Abs(*configPath)
	if err != nil {
		absConfig = *configPath
	}

	// 服务配置：非零退出时由服务管理器重启
	options := make(service.KeyValue)
	options["Restart"] = "on-failure"
	serviceConfig := &service.Config{
		Name:        "nafabric-manager-" + cfg.Manager.ID,
		DisplayName: "nafabric manager " + cfg.Manager.ID,
		Description: "Supervises nafabric worker processes on this host",
		Arguments:   []string{"-config", absConfig},
		Option:      options,
	}

	prog := NewProgram(cfg, absConfig, h)
	s, err := service.New(prog, serviceConfig)
	if err != nil {
		logger.Fatalf("Failed to create service: %v", err)
	}

	if len(*action) > 0 {
		if err := service.Control(s, *action); err != nil {
			logger.Fatalf("Service %s failed: %v", *action, err)
		}
		return
	}

	if err := s.Run(); err != nil {
		logger.Fatalf("Manager stopped: %v", err)
	}
}
