package local

import (
	"context"

	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/storage"
)

func init() {
	storage.RegisterFactory(storage.ProviderLocal, factory)
}

func factory(_ context.Context, cfg storage.Config, log *logger.Logger) (storage.Storage, error) {
	s, err := NewStorage(cfg.BasePath)
	if err != nil {
		return nil, err
	}
	log.Debug("local storage ready", logger.Fields("base_path", s.basePath))
	return s, nil
}
