// Package store persists the VM registry. Both stores implement
// orchestrator.Persistence and load the registry back at startup.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

// Store saves and loads the whole registry.
type Store interface {
	orchestrator.Persistence
	Load(ctx context.Context) (map[string]*model.VMConfig, error)
	Close()
}

// Open returns the store for kind: "file" (path) or "postgres" (dsn).
func Open(ctx context.Context, kind, path, dsn string, log *zap.Logger) (Store, error) {
	switch kind {
	case "", "file":
		if path == "" {
			return nil, fmt.Errorf("file store needs a path")
		}
		return NewFile(path, log), nil
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres store needs a dsn")
		}
		p, err := OpenPostgres(ctx, dsn, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}
