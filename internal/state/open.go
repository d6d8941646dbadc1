package state

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Options selects and configures a store backend.
type Options struct {
	Backend     string // "memory", "redis" or "postgres"
	RedisURL    string
	DatabaseURL string
	Namespace   string
	AutoMigrate bool
}

// Open builds the store named by opts.Backend. The returned close function
// releases backend connections and is always non-nil on success.
func Open(ctx context.Context, opts Options) (Store, func() error, error) {
	s, closeFn, err := open(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	checked, err := NewStore(s)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return checked, closeFn, nil
}

func open(ctx context.Context, opts Options) (Store, func() error, error) {
	switch opts.Backend {
	case "", "memory":
		s, err := NewMemoryStore(opts.Namespace)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil

	case "redis":
		if opts.RedisURL == "" {
			return nil, nil, fmt.Errorf("%w: redis backend needs a URL", ErrInvalidStore)
		}
		s, err := OpenRedisStore(ctx, opts.RedisURL, opts.Namespace)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "postgres":
		if opts.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("%w: postgres backend needs a URL", ErrInvalidStore)
		}
		db, err := sql.Open("postgres", opts.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidStore, err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("%w: postgres: %w", ErrBackendUnavailable, err)
		}
		if opts.AutoMigrate {
			if err := Migrate(ctx, db); err != nil {
				_ = db.Close()
				return nil, nil, err
			}
		}
		s, err := NewPostgresStore(db, opts.Namespace)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidStore, opts.Backend)
	}
}
