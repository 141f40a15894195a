package scorer

import (
	"context"
	"fmt"
	"time"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/store"
)

const poolSchema = `
CREATE TABLE IF NOT EXISTS mining_pools (
	mining_pool_uid TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	ip TEXT,
	last_known_worker_pool_size INTEGER NOT NULL DEFAULT 0,
	last_scored_at INTEGER,
	stability REAL NOT NULL DEFAULT 0,
	size REAL NOT NULL DEFAULT 0,
	performance REAL NOT NULL DEFAULT 0,
	geo REAL NOT NULL DEFAULT 0,
	composite REAL NOT NULL DEFAULT 0
);
`

// PoolStore persists MiningPool records, keyed by mining_pool_uid.
type PoolStore struct {
	db *store.DB
}

func NewPoolStore(db *store.DB) (*PoolStore, error) {
	if _, err := db.Exec(poolSchema); err != nil {
		return nil, fmt.Errorf("scorer: migrate mining_pools: %w", err)
	}
	return &PoolStore{db: db}, nil
}

// Upsert registers or refreshes a pool's metadata on broadcast/registration,
// leaving its score columns untouched.
func (p *PoolStore) Upsert(ctx context.Context, pool domain.MiningPool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO mining_pools (mining_pool_uid, url, ip, last_known_worker_pool_size)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mining_pool_uid) DO UPDATE SET
			url = excluded.url, ip = excluded.ip, last_known_worker_pool_size = excluded.last_known_worker_pool_size
	`, pool.MiningPoolUID, pool.URL, pool.IP, pool.LastKnownWorkerPoolSize)
	if err != nil {
		return fmt.Errorf("scorer: upsert pool %s: %w", pool.MiningPoolUID, err)
	}
	return nil
}

// List returns every known pool.
func (p *PoolStore) List(ctx context.Context) ([]domain.MiningPool, error) {
	var rows []poolRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT * FROM mining_pools`); err != nil {
		return nil, fmt.Errorf("scorer: list pools: %w", err)
	}
	pools := make([]domain.MiningPool, 0, len(rows))
	for _, r := range rows {
		pools = append(pools, r.toDomain())
	}
	return pools, nil
}

// WriteScore persists a pool's freshly-computed sub-scores and composite.
func (p *PoolStore) WriteScore(ctx context.Context, uid string, score domain.PoolScore) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE mining_pools SET stability = ?, size = ?, performance = ?, geo = ?, composite = ?, last_scored_at = ?
		WHERE mining_pool_uid = ?
	`, score.Stability, score.Size, score.Performance, score.Geo, score.Composite, time.Now().UnixMilli(), uid)
	if err != nil {
		return fmt.Errorf("scorer: write score for %s: %w", uid, err)
	}
	return nil
}

type poolRow struct {
	MiningPoolUID           string  `db:"mining_pool_uid"`
	URL                     string  `db:"url"`
	IP                      *string `db:"ip"`
	LastKnownWorkerPoolSize int     `db:"last_known_worker_pool_size"`
	LastScoredAt            *int64  `db:"last_scored_at"`
	Stability               float64 `db:"stability"`
	Size                    float64 `db:"size"`
	Performance             float64 `db:"performance"`
	Geo                     float64 `db:"geo"`
	Composite               float64 `db:"composite"`
}

func (r poolRow) toDomain() domain.MiningPool {
	pool := domain.MiningPool{
		MiningPoolUID:           r.MiningPoolUID,
		URL:                     r.URL,
		LastKnownWorkerPoolSize: r.LastKnownWorkerPoolSize,
		Score: domain.PoolScore{
			Stability:   r.Stability,
			Size:        r.Size,
			Performance: r.Performance,
			Geo:         r.Geo,
			Composite:   r.Composite,
		},
	}
	if r.IP != nil {
		pool.IP = *r.IP
	}
	if r.LastScoredAt != nil {
		pool.LastScoredAt = time.UnixMilli(*r.LastScoredAt)
	}
	return pool
}
