package main

import (
	"context"
	"os"

	"github.com/nafabric/nafabric/internal/app"
	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/connector"
	"github.com/nafabric/nafabric/internal/wire"
)

func main() {
	os.Exit(app.Main(wire.ProcConnector, os.Args[1:], func(ctx context.Context, f *app.Flags, cfg *config.Config) error {
		host, _ := os.Hostname()
		return connector.New(cfg, connector.RoleOptions{
			Name:            f.Name,
			Host:            host,
			ManagerEndpoint: f.ManagerEndpoint(),
		}).Run(ctx)
	}))
}
