package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sanad/internal/core"
)

// GetWatchdogAttempt returns the persisted escalation counter for component,
// or a zero-value (tier 0, attempts 0) if it has never tripped.
func (s *Store) GetWatchdogAttempt(ctx context.Context, component string) (core.WatchdogAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT component, tier, attempts, last_attempt_at, last_recovered_at
		FROM watchdog_attempts WHERE component = ?`, component)

	var wa core.WatchdogAttempt
	var lastAttempt, lastRecovered sql.NullString
	err := row.Scan(&wa.Component, &wa.Tier, &wa.Attempts, &lastAttempt, &lastRecovered)
	if err == sql.ErrNoRows {
		return core.WatchdogAttempt{Component: component}, nil
	}
	if err != nil {
		return wa, fmt.Errorf("get watchdog attempt: %w", err)
	}
	wa.LastAttemptAt = parseTime(lastAttempt.String)
	wa.LastRecoveredAt = parseTime(lastRecovered.String)
	return wa, nil
}

// BumpWatchdogTier advances a component to tier at the given time, the
// Watchdog's escalation step when a check keeps failing across runs.
func (s *Store) BumpWatchdogTier(ctx context.Context, component string, tier int, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO watchdog_attempts (component, tier, attempts, last_attempt_at, last_recovered_at)
			VALUES (?, ?, 1, ?, NULL)
			ON CONFLICT(component) DO UPDATE SET
				tier = excluded.tier, attempts = attempts + 1, last_attempt_at = excluded.last_attempt_at`,
			component, tier, nowStr(at),
		)
		if err != nil {
			return fmt.Errorf("bump watchdog tier: %w", err)
		}
		return nil
	})
}

// ClearWatchdogAttempt resets a component's escalation counter back to tier
// 0 once its check recovers.
func (s *Store) ClearWatchdogAttempt(ctx context.Context, component string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO watchdog_attempts (component, tier, attempts, last_attempt_at, last_recovered_at)
			VALUES (?, 0, 0, NULL, ?)
			ON CONFLICT(component) DO UPDATE SET
				tier = 0, attempts = 0, last_recovered_at = excluded.last_recovered_at`,
			component, nowStr(at),
		)
		if err != nil {
			return fmt.Errorf("clear watchdog attempt: %w", err)
		}
		return nil
	})
}

// ListWatchdogAttempts returns every component with a recorded escalation
// state, for the diagnostic package assembled at tier 3.5.
func (s *Store) ListWatchdogAttempts(ctx context.Context) ([]core.WatchdogAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component, tier, attempts, last_attempt_at, last_recovered_at FROM watchdog_attempts`)
	if err != nil {
		return nil, fmt.Errorf("list watchdog attempts: %w", err)
	}
	defer rows.Close()

	var out []core.WatchdogAttempt
	for rows.Next() {
		var wa core.WatchdogAttempt
		var lastAttempt, lastRecovered sql.NullString
		if err := rows.Scan(&wa.Component, &wa.Tier, &wa.Attempts, &lastAttempt, &lastRecovered); err != nil {
			return nil, fmt.Errorf("scan watchdog attempt: %w", err)
		}
		wa.LastAttemptAt = parseTime(lastAttempt.String)
		wa.LastRecoveredAt = parseTime(lastRecovered.String)
		out = append(out, wa)
	}
	return out, rows.Err()
}
