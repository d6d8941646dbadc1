package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/mbd888/paymcp/migrations"
)

// PostgresStore persists entries in the paymcp_state table. Expiry is
// evaluated against the database clock, so replicas with skewed clocks still
// agree on which entries are live.
type PostgresStore struct {
	db        *sql.DB
	namespace string
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB, namespace string) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database handle", ErrInvalidStore)
	}
	ns, err := validateNamespace(namespace)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, namespace: ns}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("state: migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Backend() string { return "postgres" }
func (p *PostgresStore) Namespace() string { return p.namespace }

// DB exposes the connection pool for pool metrics.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO paymcp_state (key, value, expires_at, updated_at)
		VALUES ($1, $2, CASE WHEN $3::double precision > 0
			THEN now() + make_interval(secs => $3::double precision) ELSE NULL END, now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`,
		namespaced(p.namespace, key), value, ttl.Seconds(),
	)
	return p.wrap(err)
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT value FROM paymcp_state
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		namespaced(p.namespace, key),
	).Scan(&value)
	if err != nil {
		return nil, p.wrap(err)
	}
	return value, nil
}

func (p *PostgresStore) Has(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM paymcp_state
			WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
		)`,
		namespaced(p.namespace, key),
	).Scan(&exists)
	if err != nil {
		return false, p.wrap(err)
	}
	return exists, nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM paymcp_state WHERE key = $1`, namespaced(p.namespace, key))
	return p.wrap(err)
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE paymcp_state SET value = $3, updated_at = now()
		WHERE key = $1 AND value = $2
		  AND (expires_at IS NULL OR expires_at > now())`,
		namespaced(p.namespace, key), old, new,
	)
	if err != nil {
		return false, p.wrap(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, p.wrap(err)
	}
	return rows == 1, nil
}

func (p *PostgresStore) Clear(ctx context.Context) error {
	prefix := p.namespace + ":"
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM paymcp_state WHERE left(key, length($1)) = $1`, prefix)
	return p.wrap(err)
}

func (p *PostgresStore) Cleanup(ctx context.Context) (int, error) {
	prefix := p.namespace + ":"
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM paymcp_state
		WHERE expires_at IS NOT NULL AND expires_at <= now()
		  AND left(key, length($1)) = $1`, prefix)
	if err != nil {
		return 0, p.wrap(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, p.wrap(err)
	}
	return int(rows), nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.wrap(p.db.PingContext(ctx))
}

func (p *PostgresStore) wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: postgres: %w", ErrBackendUnavailable, err)
	}
}
