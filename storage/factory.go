package storage

import (
	"context"
	"fmt"

	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/observability"
)

// Factory creates a Storage implementation from configuration.
type Factory func(ctx context.Context, cfg Config, log *logger.Logger) (Storage, error)

var factories = make(map[string]Factory)

// RegisterFactory registers a storage backend factory for the given provider name.
// Implementation packages call this in an init function to make themselves
// available to New.
func RegisterFactory(name string, f Factory) {
	factories[name] = f
}

// New creates a Storage implementation based on cfg.Provider. The provider
// package must be imported (e.g. _ "github.com/kbukum/modelrun/storage/local")
// so its factory is registered.
func New(ctx context.Context, cfg Config, log *logger.Logger) (Storage, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := log.WithComponent("storage")
	f, ok := factories[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("storage: unsupported provider %q (not registered)", cfg.Provider)
	}

	l.Info("initializing storage", logger.Fields("provider", cfg.Provider))
	return f(ctx, cfg, l)
}

// CheckHealth reports whether s can list objects.
func CheckHealth(ctx context.Context, s Storage) observability.Health {
	return observability.Probe(ctx, "storage", func(ctx context.Context) error {
		_, err := s.List(ctx, "index/")
		return err
	})
}
