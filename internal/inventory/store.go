// Package inventory is the worker inventory (C7): the authoritative table of
// known workers, keyed by (ip, mining_pool_uid), grounded on the teacher's
// upsert/sweep-delete idiom in its audit store.
package inventory

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS workers (
	ip TEXT NOT NULL,
	public_port INTEGER NOT NULL,
	country_code TEXT,
	connection_type TEXT,
	mining_pool_url TEXT,
	mining_pool_uid TEXT NOT NULL,
	payment_address_evm TEXT,
	payment_address_bittensor TEXT,
	status TEXT NOT NULL DEFAULT 'tbd',
	last_tested_at INTEGER,
	wireguard_config TEXT,
	socks5_config TEXT,
	datacenter INTEGER NOT NULL DEFAULT 0,
	version TEXT,
	PRIMARY KEY (ip, mining_pool_uid)
);
`

// Store is the C7 worker inventory.
type Store struct {
	db *store.DB
}

func New(db *store.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("inventory: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Query narrows get_workers by the optional filters spec.md §4.7 names.
type Query struct {
	CountryCode    string
	Status         domain.WorkerStatus
	MiningPoolUID  string
	ConnectionType domain.ConnectionType
	Randomize      bool
	Limit          int
}

type workerRow struct {
	IP                      string  `db:"ip"`
	PublicPort              int     `db:"public_port"`
	CountryCode             *string `db:"country_code"`
	ConnectionType          *string `db:"connection_type"`
	MiningPoolURL           *string `db:"mining_pool_url"`
	MiningPoolUID           string  `db:"mining_pool_uid"`
	PaymentAddressEVM       *string `db:"payment_address_evm"`
	PaymentAddressBittensor *string `db:"payment_address_bittensor"`
	Status                  string  `db:"status"`
	LastTestedAt            *int64  `db:"last_tested_at"`
	WireGuardConfig         *string `db:"wireguard_config"`
	SOCKS5Config            *string `db:"socks5_config"`
	Datacenter              bool    `db:"datacenter"`
	Version                 *string `db:"version"`
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (r workerRow) toDomain() domain.Worker {
	w := domain.Worker{
		IP:                      r.IP,
		PublicPort:              r.PublicPort,
		CountryCode:             deref(r.CountryCode),
		ConnectionType:          domain.ConnectionType(deref(r.ConnectionType)),
		MiningPoolURL:           deref(r.MiningPoolURL),
		MiningPoolUID:           r.MiningPoolUID,
		PaymentAddressEVM:       deref(r.PaymentAddressEVM),
		PaymentAddressBittensor: deref(r.PaymentAddressBittensor),
		Status:                  domain.WorkerStatus(r.Status),
		WireGuardConfig:         deref(r.WireGuardConfig),
		SOCKS5Config:            deref(r.SOCKS5Config),
		Datacenter:              r.Datacenter,
		Version:                 deref(r.Version),
	}
	if r.LastTestedAt != nil {
		w.LastTestedAt = time.UnixMilli(*r.LastTestedAt)
	}
	return w
}

// Get runs get_workers against the query filters, optionally randomizing
// order and capping the result at Limit (0 means unlimited).
func (s *Store) Get(ctx context.Context, q Query) ([]domain.Worker, error) {
	clause := "WHERE 1=1"
	args := []any{}
	if q.CountryCode != "" {
		clause += " AND country_code = ?"
		args = append(args, q.CountryCode)
	}
	if q.Status != "" {
		clause += " AND status = ?"
		args = append(args, string(q.Status))
	}
	if q.MiningPoolUID != "" {
		clause += " AND mining_pool_uid = ?"
		args = append(args, q.MiningPoolUID)
	}
	if q.ConnectionType != "" {
		clause += " AND connection_type = ?"
		args = append(args, string(q.ConnectionType))
	}

	order := "ORDER BY ip ASC"
	if q.Randomize {
		order = "ORDER BY RANDOM()"
	}

	limit := ""
	if q.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	query := fmt.Sprintf(`SELECT * FROM workers %s %s%s`, clause, order, limit)
	var rows []workerRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("inventory: get workers: %w", err)
	}

	workers := make([]domain.Worker, 0, len(rows))
	for _, r := range rows {
		workers = append(workers, r.toDomain())
	}
	if q.Randomize {
		rand.Shuffle(len(workers), func(i, j int) { workers[i], workers[j] = workers[j], workers[i] })
	}
	return workers, nil
}

// Write replaces the set of workers belonging to miningPoolUID (upsert each,
// then sweep-delete any (ip, mining_pool_uid) row absent from the incoming
// set), matching write_workers's natural-key lifecycle rule in spec.md §3.
// Every row is stored under miningPoolUID, whatever MiningPoolUID the
// incoming workers carry.
func (s *Store) Write(ctx context.Context, workers []domain.Worker, miningPoolUID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("inventory: begin tx: %w", err)
	}
	defer tx.Rollback()

	ips := make([]string, 0, len(workers))
	for _, w := range workers {
		ips = append(ips, w.IP)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workers (
				ip, public_port, country_code, connection_type, mining_pool_url, mining_pool_uid,
				payment_address_evm, payment_address_bittensor, status, wireguard_config, socks5_config,
				datacenter, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(ip, mining_pool_uid) DO UPDATE SET
				public_port = excluded.public_port,
				country_code = excluded.country_code,
				connection_type = excluded.connection_type,
				mining_pool_url = excluded.mining_pool_url,
				payment_address_evm = excluded.payment_address_evm,
				payment_address_bittensor = excluded.payment_address_bittensor,
				datacenter = excluded.datacenter,
				version = excluded.version
		`,
			w.IP, w.PublicPort, store.NullIfEmpty(w.CountryCode), store.NullIfEmpty(string(w.ConnectionType)),
			store.NullIfEmpty(w.MiningPoolURL), miningPoolUID,
			store.NullIfEmpty(w.PaymentAddressEVM), store.NullIfEmpty(w.PaymentAddressBittensor),
			string(w.Status), store.NullIfEmpty(w.WireGuardConfig), store.NullIfEmpty(w.SOCKS5Config),
			w.Datacenter, store.NullIfEmpty(w.Version))
		if err != nil {
			return fmt.Errorf("inventory: upsert worker %s: %w", w.IP, err)
		}
	}

	if len(ips) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM workers WHERE mining_pool_uid = ?`, miningPoolUID); err != nil {
			return fmt.Errorf("inventory: delete all for pool %s: %w", miningPoolUID, err)
		}
		return tx.Commit()
	}

	query, args, err := sqlx.In(`DELETE FROM workers WHERE mining_pool_uid = ? AND ip NOT IN (?)`, miningPoolUID, ips)
	if err != nil {
		return fmt.Errorf("inventory: build sweep query: %w", err)
	}
	query = tx.Rebind(query)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inventory: sweep stale workers: %w", err)
	}
	return tx.Commit()
}

// UpsertOne inserts or updates a single worker row without touching any
// other row for its mining_pool_uid. Used by the worker self-registration
// path (POST /worker), where workers arrive one at a time rather than as the
// complete authoritative batch Write expects -- calling Write per-request
// would sweep-delete every sibling worker registered since the last full
// refresh.
func (s *Store) UpsertOne(ctx context.Context, w domain.Worker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (
			ip, public_port, country_code, connection_type, mining_pool_url, mining_pool_uid,
			payment_address_evm, payment_address_bittensor, status, wireguard_config, socks5_config,
			datacenter, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip, mining_pool_uid) DO UPDATE SET
			public_port = excluded.public_port,
			country_code = excluded.country_code,
			connection_type = excluded.connection_type,
			mining_pool_url = excluded.mining_pool_url,
			payment_address_evm = excluded.payment_address_evm,
			payment_address_bittensor = excluded.payment_address_bittensor,
			status = excluded.status,
			wireguard_config = excluded.wireguard_config,
			socks5_config = excluded.socks5_config,
			datacenter = excluded.datacenter,
			version = excluded.version
	`,
		w.IP, w.PublicPort, store.NullIfEmpty(w.CountryCode), store.NullIfEmpty(string(w.ConnectionType)),
		store.NullIfEmpty(w.MiningPoolURL), w.MiningPoolUID,
		store.NullIfEmpty(w.PaymentAddressEVM), store.NullIfEmpty(w.PaymentAddressBittensor),
		string(w.Status), store.NullIfEmpty(w.WireGuardConfig), store.NullIfEmpty(w.SOCKS5Config),
		w.Datacenter, store.NullIfEmpty(w.Version))
	if err != nil {
		return fmt.Errorf("inventory: upsert worker %s: %w", w.IP, err)
	}
	return nil
}

// PerformanceUpdate is one worker's freshly-observed scoring outcome.
type PerformanceUpdate struct {
	IP            string
	MiningPoolUID string
	Status        domain.WorkerStatus
	CountryCode   string
	WireGuardOK   bool
	SOCKS5OK      bool
}

// WritePerformance persists scored status + geodata refresh for a batch of
// workers (write_worker_performance), each identified by its natural key.
func (s *Store) WritePerformance(ctx context.Context, updates []PerformanceUpdate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("inventory: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, u := range updates {
		_, err := tx.ExecContext(ctx, `
			UPDATE workers SET status = ?, country_code = COALESCE(NULLIF(?, ''), country_code), last_tested_at = ?
			WHERE ip = ? AND mining_pool_uid = ?
		`, string(u.Status), u.CountryCode, now, u.IP, u.MiningPoolUID)
		if err != nil {
			return fmt.Errorf("inventory: write performance for %s: %w", u.IP, err)
		}
	}
	return tx.Commit()
}
