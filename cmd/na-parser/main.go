package main

import (
	"context"
	"os"

	"github.com/nafabric/nafabric/internal/app"
	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/parser"
	"github.com/nafabric/nafabric/internal/wire"
)

func main() {
	os.Exit(app.Main(wire.ProcParser, os.Args[1:], func(ctx context.Context, f *app.Flags, cfg *config.Config) error {
		host, _ := os.Hostname()
		role, err := parser.NewRole(cfg, parser.RoleOptions{
			Name:               f.Name,
			RuleID:             f.RuleID,
			Host:               host,
			ManagerEndpoint:    f.ManagerEndpoint(),
			DataRouterEndpoint: cfg.DataRouter.Listen,
			Consumers:          f.ConsumerList(),
		})
		if err != nil {
			return err
		}
		return role.Run(ctx)
	}))
}
