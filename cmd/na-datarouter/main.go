package main

import (
	"context"
	"os"

	"github.com/nafabric/nafabric/internal/app"
	"github.com/nafabric/nafabric/internal/config"
	"github.com/nafabric/nafabric/internal/router"
	"github.com/nafabric/nafabric/internal/wire"
)

func main() {
	os.Exit(app.Main(wire.ProcDataRouter, os.Args[1:], func(ctx context.Context, f *app.Flags, cfg *config.Config) error {
		return router.NewDataRouter(cfg, router.ManagedOptions{
			Name:            f.Name,
			ManagerEndpoint: f.ManagerEndpoint(),
		}).Run(ctx)
	}))
}
