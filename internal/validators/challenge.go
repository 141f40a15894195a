package validators

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tpn-federation/core/internal/domain"
	"github.com/tpn-federation/core/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS challenge_solutions (
	challenge TEXT PRIMARY KEY,
	tag TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// defaultTTL bounds how long an issued challenge remains answerable, loosely
// modeled on the original forwarder's per-epoch challenge lifetime.
const defaultTTL = 5 * time.Minute

// ChallengeStore anchors cross-node authenticity probes: a validator mints a
// random challenge tagged to the peer it was issued to, and later verifies a
// claimed solution was derived from that exact challenge by a holder of the
// shared secret (spec.md §10, grounded on the original forwarder's
// generate_challenges/solve round trip).
type ChallengeStore struct {
	db     *store.DB
	secret []byte
	ttl    time.Duration
}

func NewChallengeStore(db *store.DB, secret string, ttl time.Duration) (*ChallengeStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("validators: migrate challenge store: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &ChallengeStore{db: db, secret: []byte(secret), ttl: ttl}, nil
}

// Issue mints a new challenge tagged to the given peer identifier (mining
// pool UID, worker ip, etc.) and records it so Verify can later confirm the
// solution was computed for this exact challenge within its TTL.
func (c *ChallengeStore) Issue(ctx context.Context, tag string) (domain.ChallengeSolution, error) {
	challenge := uuid.NewString()
	now := time.Now()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO challenge_solutions (challenge, tag, created_at) VALUES (?, ?, ?)`,
		challenge, tag, now.UnixMilli())
	if err != nil {
		return domain.ChallengeSolution{}, fmt.Errorf("validators: issue challenge: %w", err)
	}
	return domain.ChallengeSolution{
		Challenge: challenge,
		Solution:  c.expectedSolution(challenge),
		Tag:       tag,
		CreatedAt: now,
	}, nil
}

// Solve computes the solution a legitimate holder of the shared secret would
// return for challenge: an HMAC-SHA256 tag over the challenge string, hex
// encoded. Callers needing to answer a challenge (worker/mining-pool side)
// use this; Verify (validator side) recomputes it from the stored record.
func (c *ChallengeStore) Solve(challenge string) string {
	return c.expectedSolution(challenge)
}

func (c *ChallengeStore) expectedSolution(challenge string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks that solution is the correct HMAC for a challenge that was
// actually issued to tag and has not expired, consuming the challenge so it
// cannot be replayed.
func (c *ChallengeStore) Verify(ctx context.Context, challenge, tag, solution string) (bool, error) {
	var row struct {
		Tag       string `db:"tag"`
		CreatedAt int64  `db:"created_at"`
	}
	err := c.db.GetContext(ctx, &row,
		`SELECT tag, created_at FROM challenge_solutions WHERE challenge = ?`, challenge)
	if err != nil {
		return false, nil
	}
	defer c.db.ExecContext(ctx, `DELETE FROM challenge_solutions WHERE challenge = ?`, challenge)

	if row.Tag != tag {
		return false, nil
	}
	if time.Since(time.UnixMilli(row.CreatedAt)) > c.ttl {
		return false, nil
	}
	expected := c.expectedSolution(challenge)
	return hmac.Equal([]byte(expected), []byte(solution)), nil
}

// Sweep deletes every challenge older than the TTL regardless of whether it
// was ever answered, preventing unbounded table growth from abandoned
// challenges.
func (c *ChallengeStore) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-c.ttl).UnixMilli()
	_, err := c.db.ExecContext(ctx, `DELETE FROM challenge_solutions WHERE created_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("validators: sweep expired challenges: %w", err)
	}
	return nil
}
