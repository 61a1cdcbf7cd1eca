package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rickgao/livesync/internal/config"
)

// Entry is one cached feed value.
type Entry struct {
	FeedID    string
	Value     json.RawMessage
	Source    string
	UpdatedAt time.Time // the feed's LastUpdate when the value was accepted
	WrittenBy string    // instance ID of the writer; filled by the store
}

// Store is a last-known-value store.
type Store interface {
	// Load returns the entry for feedID; ok is false if none exists.
	Load(ctx context.Context, feedID string) (e Entry, ok bool, err error)

	// Save upserts e unless the stored row is newer.
	Save(ctx context.Context, e Entry) error

	Ping(ctx context.Context) error
	Close() error
}

// Open builds the store selected by cfg.Driver. The none driver returns nil.
func Open(ctx context.Context, cfg config.CacheConfig, instanceID string) (Store, error) {
	switch cfg.Driver {
	case "", config.CacheNone:
		return nil, nil
	case config.CacheSQLite:
		s, err := NewSQLiteStore(ctx, cfg.SQLitePath, instanceID)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.CachePostgres:
		s, err := NewPostgresStore(ctx, cfg.Postgres, instanceID)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}
