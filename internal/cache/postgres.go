package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/livesync/internal/config"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS feed_cache (
    feed_id    TEXT PRIMARY KEY,
    value      JSONB       NOT NULL,
    source     TEXT        NOT NULL,
    updated_at BIGINT      NOT NULL,
    written_by TEXT        NOT NULL,
    saved_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps feed values in a shared PostgreSQL database.
type PostgresStore struct {
	pool     *pgxpool.Pool
	instance string
}

// NewPostgresStore connects, applies the schema and returns the store.
func NewPostgresStore(ctx context.Context, cfg config.DBConfig, instanceID string) (*PostgresStore, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool, instance: instanceID}, nil
}

// Connect creates a single connection pool.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Load returns the cached entry for feedID.
func (s *PostgresStore) Load(ctx context.Context, feedID string) (Entry, bool, error) {
	var (
		e         Entry
		value     []byte
		updatedAt int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT feed_id, value, source, updated_at, written_by FROM feed_cache WHERE feed_id = $1`,
		feedID,
	).Scan(&e.FeedID, &value, &e.Source, &updatedAt, &e.WrittenBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load %s: %w", feedID, err)
	}

	e.Value = value
	e.UpdatedAt = time.Unix(0, updatedAt)
	return e, true, nil
}

// Save upserts e; a stored row with a later updated_at wins.
func (s *PostgresStore) Save(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_cache (feed_id, value, source, updated_at, written_by, saved_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (feed_id) DO UPDATE SET
		    value      = EXCLUDED.value,
		    source     = EXCLUDED.source,
		    updated_at = EXCLUDED.updated_at,
		    written_by = EXCLUDED.written_by,
		    saved_at   = EXCLUDED.saved_at
		WHERE EXCLUDED.updated_at >= feed_cache.updated_at`,
		e.FeedID, string(e.Value), e.Source, e.UpdatedAt.UnixNano(), s.instance,
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", e.FeedID, err)
	}
	return nil
}

// Ping verifies the connection is healthy.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
