// Package sockstore is the SOCKS5 credential lease store (C5): priority
// (shared) and standard (exclusive) pools over table
// worker_socks5_configs, grounded on the same upsert/delete sqlx idiom as
// internal/lease/wgstore.
package sockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/lock"
	"github.com/tpn-federation/core/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS worker_socks5_configs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ip_address TEXT NOT NULL,
	port INTEGER NOT NULL,
	username TEXT NOT NULL UNIQUE,
	password TEXT NOT NULL,
	available INTEGER NOT NULL DEFAULT 1,
	expires_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);
`

// Regenerator rotates a single SOCKS5 credential's password through the
// Dante filesystem-trigger protocol, implemented by internal/dante.Driver.
type Regenerator interface {
	RegenerateConfig(ctx context.Context, username string) (newPassword string, err error)
}

// Store is the C5 lease store.
type Store struct {
	db          *store.DB
	locks       *lock.Registry
	regen       Regenerator
	passwordDir string
}

func New(db *store.DB, locks *lock.Registry, regen Regenerator, passwordDir string) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sockstore: migrate: %w", err)
	}
	return &Store{db: db, locks: locks, regen: regen, passwordDir: passwordDir}, nil
}

type row struct {
	ID        int64  `db:"id"`
	IPAddress string `db:"ip_address"`
	Port      int    `db:"port"`
	Username  string `db:"username"`
	Password  string `db:"password"`
	Available bool   `db:"available"`
	ExpiresAt int64  `db:"expires_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r row) toCredential() domain.SOCKS5Credential {
	return domain.SOCKS5Credential{
		ID:        r.ID,
		IPAddress: r.IPAddress,
		Port:      r.Port,
		Username:  r.Username,
		Password:  r.Password,
		Available: r.Available,
		ExpiresAt: r.ExpiresAt,
		UpdatedAt: time.UnixMilli(r.UpdatedAt),
	}
}

// ErrNoneAvailable is returned when the standard pool has no free row even
// after a cleanup-and-retry pass.
type ErrNoneAvailable struct {
	SoonestExpiry time.Time
}

func (e *ErrNoneAvailable) Error() string {
	if e.SoonestExpiry.IsZero() {
		return "sockstore: no available socks5 credential"
	}
	return fmt.Sprintf("sockstore: no available socks5 credential, soonest expiring at %s",
		e.SoonestExpiry.UTC().Format(time.RFC3339))
}

// Get returns a SOCKS5 credential lease (spec.md §4.5). Priority requests
// pick randomly among the first prioritySlots rows by id with no mutual
// exclusion and without ever flipping `available`; standard requests take
// an exclusive lease on the first available row past the priority slots,
// serialized under the get_socks5_config lock.
func (s *Store) Get(ctx context.Context, expiresAt time.Time, priority bool, prioritySlots int) (domain.SOCKS5Credential, error) {
	if priority {
		return s.getPriority(ctx, expiresAt, prioritySlots)
	}
	return s.getStandard(ctx, expiresAt, prioritySlots)
}

func (s *Store) getPriority(ctx context.Context, expiresAt time.Time, prioritySlots int) (domain.SOCKS5Credential, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM worker_socks5_configs WHERE available = 1 ORDER BY id ASC LIMIT ?`, prioritySlots)
	if err != nil {
		return domain.SOCKS5Credential{}, fmt.Errorf("sockstore: select priority pool: %w", err)
	}
	if len(rows) == 0 {
		return domain.SOCKS5Credential{}, &ErrNoneAvailable{}
	}

	picked := rows[rand.Intn(len(rows))]
	_, err = s.db.ExecContext(ctx,
		`UPDATE worker_socks5_configs SET expires_at = ? WHERE id = ?`,
		expiresAt.UnixMilli(), picked.ID)
	if err != nil {
		return domain.SOCKS5Credential{}, fmt.Errorf("sockstore: bump priority expiry: %w", err)
	}
	picked.ExpiresAt = expiresAt.UnixMilli()
	return picked.toCredential(), nil
}

func (s *Store) getStandard(ctx context.Context, expiresAt time.Time, prioritySlots int) (domain.SOCKS5Credential, error) {
	cred, err := s.tryStandard(ctx, expiresAt, prioritySlots)
	if err != nil {
		return domain.SOCKS5Credential{}, err
	}
	if cred != nil {
		return *cred, nil
	}

	if err := s.CleanupExpired(ctx); err != nil {
		return domain.SOCKS5Credential{}, fmt.Errorf("sockstore: cleanup before retry: %w", err)
	}

	cred, err = s.tryStandard(ctx, expiresAt, prioritySlots)
	if err != nil {
		return domain.SOCKS5Credential{}, err
	}
	if cred != nil {
		return *cred, nil
	}

	soonest, _ := s.soonestExpiry(ctx)
	return domain.SOCKS5Credential{}, &ErrNoneAvailable{SoonestExpiry: soonest}
}

func (s *Store) tryStandard(ctx context.Context, expiresAt time.Time, prioritySlots int) (*domain.SOCKS5Credential, error) {
	var picked *domain.SOCKS5Credential
	err := s.locks.WithLock(ctx, lock.NameGetSOCKS5Config, nil, func(ctx context.Context) error {
		var r row
		err := s.db.GetContext(ctx, &r,
			`SELECT * FROM worker_socks5_configs WHERE available = 1 ORDER BY id ASC LIMIT 1 OFFSET ?`, prioritySlots)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select standard candidate: %w", err)
		}

		now := time.Now().UnixMilli()
		_, err = s.db.ExecContext(ctx,
			`UPDATE worker_socks5_configs SET available = 0, expires_at = ?, updated_at = ? WHERE id = ?`,
			expiresAt.UnixMilli(), now, r.ID)
		if err != nil {
			return fmt.Errorf("lease standard row: %w", err)
		}

		r.Available = false
		r.ExpiresAt = expiresAt.UnixMilli()
		r.UpdatedAt = now
		cred := r.toCredential()
		picked = &cred
		return s.writeUsedMarker(r.Username, expiresAt)
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

func (s *Store) soonestExpiry(ctx context.Context) (time.Time, error) {
	var ms int64
	err := s.db.GetContext(ctx, &ms,
		`SELECT MIN(expires_at) FROM worker_socks5_configs WHERE available = 0`)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// Write deduplicates incoming credentials by username, upserts
// (ip_address, port, username, password, available), then deletes every row
// whose username is absent from the incoming set (spec.md §4.5); an empty
// input deletes every row.
func (s *Store) Write(ctx context.Context, creds []domain.SOCKS5Credential) error {
	seen := map[string]domain.SOCKS5Credential{}
	for _, c := range creds {
		seen[c.Username] = c
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sockstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, c := range seen {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO worker_socks5_configs (ip_address, port, username, password, available, expires_at, updated_at)
			VALUES (?, ?, ?, ?, 1, 0, ?)
			ON CONFLICT(username) DO UPDATE SET password = excluded.password, updated_at = excluded.updated_at
		`, c.IPAddress, c.Port, c.Username, c.Password, now)
		if err != nil {
			return fmt.Errorf("sockstore: upsert %s: %w", c.Username, err)
		}
	}

	if len(seen) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM worker_socks5_configs`); err != nil {
			return fmt.Errorf("sockstore: delete all: %w", err)
		}
		return tx.Commit()
	}

	usernames := make([]string, 0, len(seen))
	for u := range seen {
		usernames = append(usernames, u)
	}
	query, args, err := sqlx.In(`DELETE FROM worker_socks5_configs WHERE username NOT IN (?)`, usernames)
	if err != nil {
		return fmt.Errorf("sockstore: build sweep query: %w", err)
	}
	query = tx.Rebind(query)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sockstore: sweep stale rows: %w", err)
	}
	return tx.Commit()
}

// CleanupExpired regenerates the password for every row whose non-zero
// expiry has passed. Priority picks also set expires_at, so a priority row
// is rotated here too once its latest lease expires. Rows whose regeneration fails are deleted; rows
// whose regeneration succeeds are returned to the pool with a fresh
// password.
func (s *Store) CleanupExpired(ctx context.Context) error {
	var rows []row
	now := time.Now().UnixMilli()
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM worker_socks5_configs WHERE expires_at > 0 AND expires_at <= ?`, now)
	if err != nil {
		return fmt.Errorf("sockstore: select expired: %w", err)
	}

	for _, r := range rows {
		newPassword, err := s.regen.RegenerateConfig(ctx, r.Username)
		if err != nil {
			if _, delErr := s.db.ExecContext(ctx, `DELETE FROM worker_socks5_configs WHERE id = ?`, r.ID); delErr != nil {
				return fmt.Errorf("sockstore: delete unregenerable row %s: %w", r.Username, delErr)
			}
			continue
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE worker_socks5_configs SET available = 1, expires_at = 0, password = ?, updated_at = ? WHERE id = ?`,
			newPassword, time.Now().UnixMilli(), r.ID)
		if err != nil {
			return fmt.Errorf("sockstore: restore regenerated row %s: %w", r.Username, err)
		}
		s.removeUsedMarker(r.Username)
	}
	return nil
}

// CountAvailable counts available rows after skipping skipSlots by id,
// matching count_available_socks's "standard pool capacity" query.
func (s *Store) CountAvailable(ctx context.Context, skipSlots int) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM (
			SELECT id FROM worker_socks5_configs WHERE available = 1 ORDER BY id ASC LIMIT -1 OFFSET ?
		)
	`, skipSlots)
	if err != nil {
		return 0, fmt.Errorf("sockstore: count available: %w", err)
	}
	return count, nil
}

// writeUsedMarker writes <PASSWORD_DIR>/<username>.password.used containing
// the lease's expiry in milliseconds, the on-disk signal Dante's own
// bookkeeping (and LoadFromDisk on restart) reads to reconstruct
// availability, per spec.md §4.2's SOCKS5Credential invariant.
func (s *Store) writeUsedMarker(username string, expiresAt time.Time) error {
	if s.passwordDir == "" {
		return nil
	}
	path := filepath.Join(s.passwordDir, username+".password.used")
	return os.WriteFile(path, []byte(strconv.FormatInt(expiresAt.UnixMilli(), 10)), 0644)
}

func (s *Store) removeUsedMarker(username string) {
	if s.passwordDir == "" {
		return
	}
	os.Remove(filepath.Join(s.passwordDir, username+".password.used"))
}
