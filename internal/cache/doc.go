// Package cache persists the last accepted value of each feed so a
// restarted process can show something before its first fetch completes.
//
// Stores:
//   - SQLiteStore: local file, single writer (modernc.org/sqlite, no cgo)
//   - PostgresStore: shared database through a pgx pool
//
// Both keep one row per feed and never replace a row with an older UpdatedAt.
package cache
