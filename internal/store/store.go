// Package store selects the durable store backend.
package store

import (
	"context"
	"fmt"

	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/store/postgres"
	"github.com/dkeye/Pulse/internal/store/sqlite"
)

type Backend interface {
	core.Store
	core.Provisioner
}

func Open(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite", "":
		s, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
