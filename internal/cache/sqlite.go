package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS feed_cache (
    feed_id    TEXT PRIMARY KEY,
    value      TEXT    NOT NULL,
    source     TEXT    NOT NULL,
    updated_at INTEGER NOT NULL, -- unix nanos
    written_by TEXT    NOT NULL,
    saved_at   INTEGER NOT NULL
);
`

// SQLiteStore keeps feed values in a local SQLite file.
type SQLiteStore struct {
	db       *sql.DB
	instance string
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(ctx context.Context, path, instanceID string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db, instance: instanceID}, nil
}

// Load returns the cached entry for feedID.
func (s *SQLiteStore) Load(ctx context.Context, feedID string) (Entry, bool, error) {
	var (
		e         Entry
		value     string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT feed_id, value, source, updated_at, written_by FROM feed_cache WHERE feed_id = ?`,
		feedID,
	).Scan(&e.FeedID, &value, &e.Source, &updatedAt, &e.WrittenBy)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load %s: %w", feedID, err)
	}

	e.Value = []byte(value)
	e.UpdatedAt = time.Unix(0, updatedAt)
	return e, true, nil
}

// Save upserts e; a stored row with a later updated_at wins.
func (s *SQLiteStore) Save(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_cache (feed_id, value, source, updated_at, written_by, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(feed_id) DO UPDATE SET
		    value      = excluded.value,
		    source     = excluded.source,
		    updated_at = excluded.updated_at,
		    written_by = excluded.written_by,
		    saved_at   = excluded.saved_at
		WHERE excluded.updated_at >= feed_cache.updated_at`,
		e.FeedID, string(e.Value), e.Source, e.UpdatedAt.UnixNano(), s.instance, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", e.FeedID, err)
	}
	return nil
}

// Ping verifies the database file is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
