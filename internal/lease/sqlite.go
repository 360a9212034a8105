// Package lease grants single-writer access to one (account, symbol) pair
// so that the core engine and the safety-net monitor never submit competing
// orders for the same exposure (spec §4.3, invariant I7, property P6).
package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/posedge/engine/internal/core"
	"github.com/posedge/engine/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS leases (
	key             TEXT PRIMARY KEY,
	holder_token    INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS lease_tokens (
	key             TEXT PRIMARY KEY,
	next_token      INTEGER NOT NULL
);
`

// Manager implements core.ILeaseManager over the same sqlite database as
// the event store. A lease row's fencing token only ever increases, so a
// writer that renews late and gets fenced out can detect it by comparing
// tokens rather than trusting wall-clock TTL alone.
type Manager struct {
	db *sql.DB
}

// Open opens (or attaches to an already-open) sqlite database at path and
// ensures the lease tables exist.
func Open(path string) (*Manager, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lease database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping lease database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply lease schema: %w", err)
	}
	return &Manager{db: db}, nil
}

// Close closes the underlying database handle.
func (m *Manager) Close() error { return m.db.Close() }

// Acquire grants the caller a lease for key if no unexpired lease is held,
// minting a new, strictly increasing fencing token in the same transaction.
// Acquiring over an expired lease is always allowed: crash recovery bounds
// unavailability to ttl (spec §4.3).
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (core.Lease, error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return core.Lease{}, fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	var expiresAtNanos int64
	err = tx.QueryRowContext(ctx, `SELECT expires_at FROM leases WHERE key = ?`, key).Scan(&expiresAtNanos)
	if err != nil && err != sql.ErrNoRows {
		return core.Lease{}, fmt.Errorf("failed to read existing lease: %w", err)
	}
	if err == nil && now.Before(time.Unix(0, expiresAtNanos)) {
		metrics.LeaseConflictsTotal.WithLabelValues(key).Inc()
		return core.Lease{}, fmt.Errorf("%w: lease %q held until %s", errLeaseHeld, key, time.Unix(0, expiresAtNanos))
	}

	token, err := nextToken(ctx, tx, key)
	if err != nil {
		return core.Lease{}, err
	}

	expiresAt := now.Add(ttl)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO leases (key, holder_token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET holder_token = excluded.holder_token, expires_at = excluded.expires_at
	`, key, token, expiresAt.UnixNano())
	if err != nil {
		return core.Lease{}, fmt.Errorf("failed to write lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return core.Lease{}, fmt.Errorf("failed to commit lease acquisition: %w", err)
	}

	return core.Lease{Key: key, FencingToken: token, ExpiresAt: expiresAt}, nil
}

// Renew extends an already-held lease's TTL, rejecting the call if a newer
// fencing token has since been issued for the same key (the holder was
// fenced out, typically after a missed heartbeat window).
func (m *Manager) Renew(ctx context.Context, lease core.Lease, ttl time.Duration) (core.Lease, error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return core.Lease{}, fmt.Errorf("failed to begin lease renewal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentToken int64
	err = tx.QueryRowContext(ctx, `SELECT holder_token FROM leases WHERE key = ?`, lease.Key).Scan(&currentToken)
	if err == sql.ErrNoRows {
		return core.Lease{}, fmt.Errorf("%w: lease %q no longer exists", errLeaseLost, lease.Key)
	}
	if err != nil {
		return core.Lease{}, fmt.Errorf("failed to read lease for renewal: %w", err)
	}
	if currentToken != lease.FencingToken {
		metrics.LeaseRenewalsTotal.WithLabelValues("fenced").Inc()
		return core.Lease{}, fmt.Errorf("%w: lease %q fenced (held token %d, current %d)", errLeaseLost, lease.Key, lease.FencingToken, currentToken)
	}

	expiresAt := time.Now().Add(ttl)
	_, err = tx.ExecContext(ctx, `UPDATE leases SET expires_at = ? WHERE key = ? AND holder_token = ?`,
		expiresAt.UnixNano(), lease.Key, lease.FencingToken)
	if err != nil {
		return core.Lease{}, fmt.Errorf("failed to renew lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return core.Lease{}, fmt.Errorf("failed to commit lease renewal: %w", err)
	}

	metrics.LeaseRenewalsTotal.WithLabelValues("success").Inc()
	return core.Lease{Key: lease.Key, FencingToken: lease.FencingToken, ExpiresAt: expiresAt}, nil
}

// Release gives up a held lease early, allowing immediate reacquisition
// rather than waiting out the remaining TTL. A stale fencing token is a
// silent no-op: whoever holds the lease now is unaffected.
func (m *Manager) Release(ctx context.Context, lease core.Lease) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND holder_token = ?`, lease.Key, lease.FencingToken)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func nextToken(ctx context.Context, tx *sql.Tx, key string) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `SELECT next_token FROM lease_tokens WHERE key = ?`, key).Scan(&next)
	if err == sql.ErrNoRows {
		next = 1
		_, err = tx.ExecContext(ctx, `INSERT INTO lease_tokens (key, next_token) VALUES (?, ?)`, key, next+1)
		if err != nil {
			return 0, fmt.Errorf("failed to seed fencing token: %w", err)
		}
		return next, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read fencing token counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE lease_tokens SET next_token = ? WHERE key = ?`, next+1, key); err != nil {
		return 0, fmt.Errorf("failed to advance fencing token counter: %w", err)
	}
	return next, nil
}

var _ core.ILeaseManager = (*Manager)(nil)
