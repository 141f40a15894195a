// Package wgstore is the WireGuard peer-slot lease store (C4): allocation,
// TTL reclamation and priority-slot carve-out over table
// worker_wireguard_configs, grounded on the teacher's upsert/delete sqlx
// idiom in its audit store.
package wgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tpn-federation/core/internal/lock"
	"github.com/tpn-federation/core/internal/store"
	"github.com/tpn-federation/core/internal/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS worker_wireguard_configs (
	id INTEGER PRIMARY KEY,
	expires_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Replacer rotates WireGuard keys for a set of peer ids without deleting
// their lease rows (BETA_REFRESH_LEASE_INSTEAD_OF_DELETE mode), grounded on
// internal/wireguard.Driver.ReplaceConfigs.
type Replacer interface {
	ReplaceConfigs(ctx context.Context, peerIDs []int) error
}

// Restarter stops and restarts the WireGuard container, used by delete-mode
// cleanup when no open leases remain.
type Restarter interface {
	Restart(ctx context.Context) error
}

// ConfigDeleter removes a peer's on-disk keys and client conf, used by
// delete-mode cleanup so a reclaimed slot's credentials never outlive the
// lease row that referenced them, grounded on
// internal/wireguard.Driver.DeleteConfigs.
type ConfigDeleter interface {
	DeleteConfigs(peerIDs []int) error
}

// Store is the C4 lease store.
type Store struct {
	db       *store.DB
	locks    *lock.Registry
	replacer Replacer
	restart  Restarter
	deleter  ConfigDeleter

	peerCount              int
	prioritySlots          int
	refreshInsteadOfDelete bool
}

// Config bundles the WireGuard-pool policy knobs spec.md §6 names.
type Config struct {
	PeerCount                   int
	PrioritySlots               int
	RefreshLeaseInsteadOfDelete bool
}

func New(db *store.DB, locks *lock.Registry, replacer Replacer, restart Restarter, deleter ConfigDeleter, cfg Config) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("wgstore: migrate: %w", err)
	}
	return &Store{
		db:                     db,
		locks:                  locks,
		replacer:               replacer,
		restart:                restart,
		deleter:                deleter,
		peerCount:              cfg.PeerCount,
		prioritySlots:          cfg.PrioritySlots,
		refreshInsteadOfDelete: cfg.RefreshLeaseInsteadOfDelete,
	}, nil
}

// RangeFor derives the lease window for this store's configured pool size
// and priority-slot carve-out; see Range.
func (s *Store) RangeFor(priority bool) (start, end int) {
	return Range(priority, s.prioritySlots, s.peerCount)
}

// ErrPoolExhausted is returned when no id in the requested range is free
// even after a cleanup-and-retry pass.
type ErrPoolExhausted struct {
	SoonestExpiry time.Time
}

func (e *ErrPoolExhausted) Error() string {
	if e.SoonestExpiry.IsZero() {
		return "wgstore: pool exhausted, no leases outstanding"
	}
	return fmt.Sprintf("wgstore: pool exhausted, soonest expiry at %s", e.SoonestExpiry.UTC().Format(time.RFC3339))
}

// Range derives the [start_id, end_id] window for a lease request: priority
// requests get [1, P], standard requests get [P+1, N] (falling back to the
// full range if P >= N), per spec.md §4.4.
func Range(priority bool, prioritySlots, peerCount int) (start, end int) {
	if prioritySlots >= peerCount {
		return 1, peerCount
	}
	if priority {
		return 1, prioritySlots
	}
	return prioritySlots + 1, peerCount
}

// Register allocates the smallest free id in [startID, endID], inserting its
// lease row with the given expiry. It retries once, outside the lock, after
// a cleanup pass if the range was full on the first attempt.
func (s *Store) Register(ctx context.Context, startID, endID int, expiresAt time.Time) (int, error) {
	id, err := s.tryRegister(ctx, startID, endID, expiresAt)
	if err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}

	if err := s.CleanupExpired(ctx); err != nil {
		return 0, fmt.Errorf("wgstore: cleanup before retry: %w", err)
	}

	id, err = s.tryRegister(ctx, startID, endID, expiresAt)
	if err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}

	soonest, _ := s.soonestExpiry(ctx)
	return 0, &ErrPoolExhausted{SoonestExpiry: soonest}
}

func (s *Store) tryRegister(ctx context.Context, startID, endID int, expiresAt time.Time) (int, error) {
	var picked int
	err := s.locks.WithLock(ctx, lock.NameRegisterWireGuardLease, nil, func(ctx context.Context) error {
		taken := map[int]struct{}{}
		rows, err := s.db.QueryxContext(ctx,
			`SELECT id FROM worker_wireguard_configs WHERE id >= ? AND id <= ?`, startID, endID)
		if err != nil {
			return fmt.Errorf("select existing ids: %w", err)
		}
		for rows.Next() {
			var id int
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan id: %w", err)
			}
			taken[id] = struct{}{}
		}
		rows.Close()

		for id := startID; id <= endID; id++ {
			if _, exists := taken[id]; !exists {
				picked = id
				break
			}
		}
		if picked == 0 {
			return nil
		}

		now := time.Now()
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO worker_wireguard_configs (id, expires_at, updated_at) VALUES (?, ?, ?)`,
			picked, expiresAt.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert lease row: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return picked, nil
}

func (s *Store) soonestExpiry(ctx context.Context) (time.Time, error) {
	var ms int64
	err := s.db.GetContext(ctx, &ms, `SELECT MIN(expires_at) FROM worker_wireguard_configs`)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// OpenLeaseIDs returns every currently-leased peer id, used by
// check_open_leases and by callers deciding whether a container restart is
// safe.
func (s *Store) OpenLeaseIDs(ctx context.Context) ([]int, error) {
	var ids []int
	err := s.db.SelectContext(ctx, &ids, `SELECT id FROM worker_wireguard_configs ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("wgstore: open lease ids: %w", err)
	}
	return ids, nil
}

// MarkFree deletes peerID's lease row, returning its peer slot to the pool.
func (s *Store) MarkFree(ctx context.Context, peerID int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM worker_wireguard_configs WHERE id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("wgstore: mark free %d: %w", peerID, err)
	}
	return nil
}

// CleanupExpired reclaims every lease whose expiry has passed, per spec.md
// §4.4's two modes. Delete mode restarts the container only once no open
// leases remain (a restart while leases are outstanding would disrupt
// connected peers); refresh mode rotates keys in place and never restarts.
func (s *Store) CleanupExpired(ctx context.Context) error {
	var expired []int
	now := time.Now().UnixMilli()
	err := s.db.SelectContext(ctx, &expired,
		`SELECT id FROM worker_wireguard_configs WHERE expires_at < ?`, now)
	if err != nil {
		return fmt.Errorf("wgstore: select expired: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}

	if s.refreshInsteadOfDelete {
		if err := s.replacer.ReplaceConfigs(ctx, expired); err != nil {
			return fmt.Errorf("wgstore: replace expired configs: %w", err)
		}
		return s.deleteRows(ctx, expired)
	}

	if err := s.deleter.DeleteConfigs(expired); err != nil {
		return fmt.Errorf("wgstore: delete expired configs: %w", err)
	}

	if err := s.deleteRows(ctx, expired); err != nil {
		return err
	}

	remaining, err := s.OpenLeaseIDs(ctx)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		if err := s.restart.Restart(ctx); err != nil {
			telemetry.Warn(ctx, "wgstore: container restart after cleanup failed", telemetry.Fields{
				telemetry.FieldError: err.Error(),
			})
			return fmt.Errorf("wgstore: restart after cleanup: %w", err)
		}
	}
	return nil
}

func (s *Store) deleteRows(ctx context.Context, ids []int) error {
	query, args, err := sqlx.In(`DELETE FROM worker_wireguard_configs WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("wgstore: build delete query: %w", err)
	}
	query = s.db.Rebind(query)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("wgstore: delete expired rows: %w", err)
	}
	return nil
}
