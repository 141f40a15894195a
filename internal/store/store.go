// Package store owns the single SQLite handle shared by the worker
// inventory, the two lease stores, the mining-pool store and the challenge
// store. It is grounded on supernode/audit/store.go's connect+pragma+migrate
// idiom in the teacher.
package store

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// dbCacheSizeKiB is the PRAGMA cache_size in KiB; Open writes it negated,
	// matching sqlite's "negative means KiB, not pages" convention.
	dbCacheSizeKiB = 20_000
	dbBusyTimeout  = 5 * time.Second
)

// DB wraps the shared handle; each owning component runs its own CREATE
// TABLE IF NOT EXISTS statement against it when constructed, so a single DB
// file backs every table in spec.md §6's "Tables" list.
type DB struct {
	*sqlx.DB
}

// Open connects to the sqlite file at path (":memory:" is valid, used by
// tests) and applies the WAL/sync pragmas the teacher's audit store uses.
func Open(path string) (*DB, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		fmt.Sprintf("PRAGMA cache_size=-%d;", dbCacheSizeKiB),
		fmt.Sprintf("PRAGMA busy_timeout=%d;", int64(dbBusyTimeout/time.Millisecond)),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	return &DB{DB: db}, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

func NullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
