package main

import (
	"context"
	"os"
	"time"

	"github.com/nafabric/nafabric/internal/app"
	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/gateway"
	"github.com/nafabric/nafabric/internal/wire"
)

func main() {
	os.Exit(app.Main(wire.ProcDBGateway, os.Args[1:], func(ctx context.Context, f *app.Flags, cfg *config.Config) error {
		if f.Alone {
			return serveChild(ctx, f, cfg)
		}
		gw := gateway.New(cfg)
		if f.Config != "" {
			gw.ChildArgs = append(gw.ChildArgs, "-config", f.Config)
		}
		if f.LogCycle != "" {
			gw.ChildArgs = append(gw.ChildArgs, "-log_cycle", f.LogCycle)
		}
		err := gw.Run(ctx)
		gw.Wait()
		return err
	}))
}

// serveChild 服务继承来的单个客户端连接，结束后按配置删除本进程日志
func serveChild(ctx context.Context, f *app.Flags, cfg *config.Config) error {
	start := time.Now()
	err := gateway.ServeFD(ctx, cfg, f.SessionID)
	if cfg.Gateway.UnlinkChildLog {
		app.UnlinkLogs(cfg, f.QualifiedName(wire.ProcDBGateway), f.LogCycle, start)
	}
	return err
}
