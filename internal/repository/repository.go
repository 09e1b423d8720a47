// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensource-finance/heron/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SampleLimit is the largest sample a store returns per audience query.
const SampleLimit = 100

// New creates a new repository based on configuration.
func New(ctx context.Context, cfg domain.RepositoryConfig) (domain.Repository, error) {
	switch cfg.Driver {
	case "sqlite", "postgres":
		return NewSQLRepository(cfg)
	case "mongo":
		return NewMongoRepository(ctx, cfg)
	case "memory":
		return NewMemoryRepository()
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

func checkLimit(limit int) (int, error) {
	if limit < 0 {
		return 0, fmt.Errorf("%w: negative sample limit", ErrInvalidInput)
	}
	if limit > SampleLimit {
		limit = SampleLimit
	}
	return limit, nil
}
