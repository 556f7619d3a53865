package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sanad/internal/core"
)

// UpsertCircuitBreakerState persists the current state of a per-component
// circuit breaker, read by the policy engine's pre-gate breaker check and
// the health snapshot.
func (s *Store) UpsertCircuitBreakerState(ctx context.Context, state core.CircuitBreakerState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO circuit_breaker_state (component, state, failure_count, cooldown_until, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(component) DO UPDATE SET
				state = excluded.state, failure_count = excluded.failure_count,
				cooldown_until = excluded.cooldown_until, updated_at = excluded.updated_at`,
			state.Component, string(state.State), state.FailureCount, nowStr(state.CooldownUntil), nowStr(state.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert circuit breaker state: %w", err)
		}
		return nil
	})
}

// GetCircuitBreakerState returns the persisted state for component, or nil
// if no breaker has recorded activity for it yet (treated as closed).
func (s *Store) GetCircuitBreakerState(ctx context.Context, component string) (*core.CircuitBreakerState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT component, state, failure_count, cooldown_until, updated_at
		FROM circuit_breaker_state WHERE component = ?`, component)

	var cb core.CircuitBreakerState
	var cooldownUntil, updatedAt string
	err := row.Scan(&cb.Component, &cb.State, &cb.FailureCount, &cooldownUntil, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get circuit breaker state: %w", err)
	}
	cb.CooldownUntil = parseTime(cooldownUntil)
	cb.UpdatedAt = parseTime(updatedAt)
	return &cb, nil
}

// ListOpenCircuitBreakers returns every component whose breaker state is
// currently OPEN, for the policy engine's pre-gate circuit check.
func (s *Store) ListOpenCircuitBreakers(ctx context.Context) ([]core.CircuitBreakerState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component, state, failure_count, cooldown_until, updated_at
		FROM circuit_breaker_state WHERE state = 'open'`)
	if err != nil {
		return nil, fmt.Errorf("list open circuit breakers: %w", err)
	}
	defer rows.Close()

	var out []core.CircuitBreakerState
	for rows.Next() {
		var cb core.CircuitBreakerState
		var cooldownUntil, updatedAt string
		if err := rows.Scan(&cb.Component, &cb.State, &cb.FailureCount, &cooldownUntil, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan circuit breaker state: %w", err)
		}
		cb.CooldownUntil = parseTime(cooldownUntil)
		cb.UpdatedAt = parseTime(updatedAt)
		out = append(out, cb)
	}
	return out, rows.Err()
}

// SetKillSwitch activates or clears the process-wide kill switch.
func (s *Store) SetKillSwitch(ctx context.Context, active bool, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO kill_switch (id, active, reason, activated_at)
			VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET active = excluded.active, reason = excluded.reason, activated_at = excluded.activated_at`,
			boolToInt(active), reason, nowStr(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("set kill switch: %w", err)
		}
		return nil
	})
}

// GetKillSwitch returns the current kill-switch state.
func (s *Store) GetKillSwitch(ctx context.Context) (core.KillSwitch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT active, reason, activated_at FROM kill_switch WHERE id = 1`)
	var active int
	var reason, activatedAt string
	err := row.Scan(&active, &reason, &activatedAt)
	if err == sql.ErrNoRows {
		return core.KillSwitch{}, nil
	}
	if err != nil {
		return core.KillSwitch{}, fmt.Errorf("get kill switch: %w", err)
	}
	return core.KillSwitch{Active: active != 0, Reason: reason, ActivatedAt: parseTime(activatedAt)}, nil
}
