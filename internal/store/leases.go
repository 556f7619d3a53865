package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sanad/internal/core"
)

// UpsertLease writes or refreshes a worker's liveness lease, read by the
// Watchdog to decide whether a component is still running.
func (s *Store) UpsertLease(ctx context.Context, lease core.Lease) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO leases (owner, started_at, heartbeat_at, completed_at, ttl_seconds)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(owner) DO UPDATE SET
				heartbeat_at = excluded.heartbeat_at, completed_at = excluded.completed_at,
				ttl_seconds = excluded.ttl_seconds`,
			lease.Owner, nowStr(lease.StartedAt), nowStr(lease.HeartbeatAt), nullableTime(lease.CompletedAt), lease.TTLSeconds,
		)
		if err != nil {
			return fmt.Errorf("upsert lease: %w", err)
		}
		return nil
	})
}

// TouchLease advances heartbeat_at for an already-started lease, the
// cheap per-tick liveness refresh a long-running worker calls.
func (s *Store) TouchLease(ctx context.Context, owner string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE leases SET heartbeat_at = ? WHERE owner = ?`, nowStr(at), owner)
		if err != nil {
			return fmt.Errorf("touch lease: %w", err)
		}
		return nil
	})
}

// CompleteLease marks a lease finished, so the Watchdog's "fresh lease OR
// fresh output" precondition can tell a clean exit from a stuck process.
func (s *Store) CompleteLease(ctx context.Context, owner string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE leases SET completed_at = ? WHERE owner = ?`, nowStr(at), owner)
		if err != nil {
			return fmt.Errorf("complete lease: %w", err)
		}
		return nil
	})
}

// GetLease returns the lease for owner, or nil if none has ever been written.
func (s *Store) GetLease(ctx context.Context, owner string) (*core.Lease, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT owner, started_at, heartbeat_at, completed_at, ttl_seconds FROM leases WHERE owner = ?`, owner)
	lease, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

// ListLeases returns every lease currently on record, for the Watchdog's
// sweep over all watched components.
func (s *Store) ListLeases(ctx context.Context) ([]core.Lease, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT owner, started_at, heartbeat_at, completed_at, ttl_seconds FROM leases`)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()

	var out []core.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lease)
	}
	return out, rows.Err()
}

func scanLease(row rowScanner) (core.Lease, error) {
	var l core.Lease
	var startedAt, heartbeatAt, completedAt sql.NullString
	err := row.Scan(&l.Owner, &startedAt, &heartbeatAt, &completedAt, &l.TTLSeconds)
	if err != nil {
		return l, fmt.Errorf("scan lease: %w", err)
	}
	l.StartedAt = parseTime(startedAt.String)
	l.HeartbeatAt = parseTime(heartbeatAt.String)
	l.CompletedAt = parseTime(completedAt.String)
	return l, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return nowStr(t)
}
