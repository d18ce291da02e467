// Package store keeps sealed object descriptors. Descriptors are
// write-once: a second Put for the same id fails.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/sirupsen/logrus"
)

var (
	// ErrObjectNotFound indicates no descriptor exists for the id
	ErrObjectNotFound = errors.New("sealed object not found")

	// ErrObjectExists indicates a descriptor with the same id was already stored
	ErrObjectExists = errors.New("sealed object already exists")

	// ErrInvalidObject indicates the descriptor cannot be stored
	ErrInvalidObject = errors.New("invalid sealed object")
)

// Store persists sealed object descriptors
type Store interface {
	Put(ctx context.Context, file *types.SecureFile) error
	Get(ctx context.Context, id string) (*types.SecureFile, error)
	List(ctx context.Context) ([]*types.SecureFile, error)
	Close() error
}

// New builds the store selected by cfg.Storage.Backend
func New(cfg *config.Config, logger *logrus.Logger) (Store, error) {
	switch cfg.Storage.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg.Redis, cfg.Storage.TTL, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}
}

func validate(file *types.SecureFile) error {
	if file == nil {
		return fmt.Errorf("%w: nil descriptor", ErrInvalidObject)
	}
	if file.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidObject)
	}
	return nil
}
