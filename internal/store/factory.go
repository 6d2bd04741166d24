package store

import (
	"context"
	"fmt"
)

// Options selects and configures a Store backend.
type Options struct {
	Type  string // memory | postgres | redis
	DSN   string
	Redis RedisConfig
}

// NewStore creates a new store based on opts.Type.
// Supported types: "memory", "postgres", "redis"
func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch opts.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		s, err := OpenPostgres(ctx, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres journal: %w", err)
		}
		return s, nil
	case "redis":
		s, err := OpenRedis(ctx, opts.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis journal: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", opts.Type)
	}
}
