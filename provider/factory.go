package provider

import (
	"fmt"

	"go.uber.org/zap"
)

// New creates the provider selected by cfg.Backend
func New(logger *zap.Logger, cfg *Config) (Provider, error) {
	switch cfg.Backend {
	case BackendRemote, "":
		return NewRemote(logger, cfg)
	case BackendLocal:
		if !cfg.EnableLocalBackend {
			return nil, fmt.Errorf("local backend is disabled")
		}
		return NewLocal(logger, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}
