package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sanad/internal/core"
)

// TryOpenPositionAtomic runs the open-position transaction: it upserts
// the decision, conditionally inserts the position guarded by the
// decision_id UNIQUE constraint, and - only if this call won the race -
// enqueues the ANALYZE async task. If a position already exists for this
// decision_id, the existing row is returned and alreadyExisted is true; no
// task is enqueued in that case.
func (s *Store) TryOpenPositionAtomic(ctx context.Context, decision core.Decision, pos core.Position) (result *core.Position, alreadyExisted bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		evidence, marshalErr := json.Marshal(decision.Evidence)
		if marshalErr != nil {
			return fmt.Errorf("marshal decision evidence: %w", marshalErr)
		}
		packet, marshalErr := json.Marshal(decision.Packet)
		if marshalErr != nil {
			return fmt.Errorf("marshal decision packet: %w", marshalErr)
		}
		timings := make(map[string]string, len(decision.Timings))
		for k, v := range decision.Timings {
			timings[k] = v.String()
		}
		timingsJSON, _ := json.Marshal(timings)

		createdAt := decision.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		// (i) upsert decision - immutable after insert, so INSERT OR IGNORE.
		if _, execErr := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO decisions (
				decision_id, signal_id, created_at, policy_version, result, stage,
				reason_code, gate_failed, gate_failed_name, evidence_json, timings_json,
				decision_packet_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			decision.DecisionID, decision.SignalID, nowStr(createdAt), decision.PolicyVersion,
			string(decision.Result), decision.TerminalStage, decision.ReasonCode, decision.GateFailed,
			decision.GateFailedName, string(evidence), string(timingsJSON), string(packet),
		); execErr != nil {
			return fmt.Errorf("upsert decision: %w", execErr)
		}

		// (ii) conditionally insert the position, guarded by decision_id UNIQUE.
		now := time.Now()
		openedAt := pos.OpenedAt
		if openedAt.IsZero() {
			openedAt = now
		}
		if pos.PositionID == "" {
			pos.PositionID = uuid.NewString()
		}

		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO positions (
				position_id, decision_id, symbol, token_address, created_at, updated_at,
				status, side, strategy_id, regime_tag, entry_price, size, stop_loss_pct,
				take_profit_pct, high_water_mark, execution_ordinal
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pos.PositionID, decision.DecisionID, pos.Symbol, pos.TokenAddress, nowStr(openedAt), nowStr(now),
			core.PositionOpen, pos.Side, pos.Strategy, pos.RegimeTag, pos.EntryPrice.String(),
			pos.Size.String(), pos.StopLossPct.String(), pos.TakeProfitPct.String(),
			pos.EntryPrice.String(), pos.ExecutionOrdinal,
		)
		if execErr == nil {
			existing, getErr := s.getPositionTx(ctx, tx, pos.PositionID)
			if getErr != nil {
				return getErr
			}
			result = existing
			alreadyExisted = false

			// (iii) enqueue the ANALYZE task - only the winner of the race does this.
			taskID := uuid.NewString()
			_, execErr = tx.ExecContext(ctx, `
				INSERT INTO async_tasks (
					task_id, task_type, entity_id, status, attempts, next_run_at, created_at, updated_at
				) VALUES (?, 'ANALYZE', ?, 'PENDING', 0, ?, ?, ?)`,
				taskID, pos.PositionID, nowStr(now), nowStr(now), nowStr(now),
			)
			if execErr != nil {
				return fmt.Errorf("enqueue analyze task: %w", execErr)
			}
			return nil
		}

		if !isUniqueConstraintErr(execErr) {
			return fmt.Errorf("insert position: %w", execErr)
		}

		// Lost the race (or a retry of the same decision): fetch the existing row.
		existing, getErr := s.getPositionByDecisionTx(ctx, tx, decision.DecisionID)
		if getErr != nil {
			return getErr
		}
		result = existing
		alreadyExisted = true
		return nil
	})

	return result, alreadyExisted, err
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "UNIQUE constraint failed")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

// UpdatePositionClose sets status=CLOSED and the exit fields for a position.
// Guarded to only affect rows currently OPEN.
func (s *Store) UpdatePositionClose(ctx context.Context, positionID string, exitPrice, pnl decimal.Decimal) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE positions SET status = 'CLOSED', exit_price = ?, pnl = ?,
			       closed_at = ?, updated_at = ?
			WHERE position_id = ? AND status = 'OPEN'`,
			exitPrice.String(), pnl.String(), nowStr(time.Now()), nowStr(time.Now()), positionID,
		)
		if err != nil {
			return fmt.Errorf("close position: %w", err)
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			s.logger.Warn("close position affected no rows; already closed or unknown", "position_id", positionID)
		}
		return nil
	})
}

// SetPositionRiskFlag sets the risk_flag column for a position, used by the
// async queue to record FLAG_ASYNC_FAILED_PERMANENT / FLAG_JUDGE_HIGH_CONF_REJECT.
func (s *Store) SetPositionRiskFlag(ctx context.Context, positionID, flag string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE positions SET risk_flag = ?, updated_at = ? WHERE position_id = ?`,
			flag, nowStr(time.Now()), positionID)
		if err != nil {
			return fmt.Errorf("set position risk flag: %w", err)
		}
		return nil
	})
}

// UpdatePositionTrailState persists the breakeven-ratchet / trailing-stop
// side effects the Position Monitor applies across cycles: the current
// stop_loss_pct, whether the ratchet has fired, the high-water mark, and
// whether trailing is active. All fields are monotonic per their own rule
// (breakeven_ratcheted never reverts to false; high_water_mark never
// decreases) - callers are responsible for enforcing that invariant before
// calling this.
func (s *Store) UpdatePositionTrailState(ctx context.Context, positionID string, stopLossPct, highWaterMark decimal.Decimal, ratcheted, trailing bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE positions SET stop_loss_pct = ?, high_water_mark = ?,
			       breakeven_ratcheted = ?, trailing_active = ?, updated_at = ?
			WHERE position_id = ? AND status = 'OPEN'`,
			stopLossPct.String(), highWaterMark.String(), boolToInt(ratcheted), boolToInt(trailing),
			nowStr(time.Now()), positionID,
		)
		if err != nil {
			return fmt.Errorf("update position trail state: %w", err)
		}
		return nil
	})
}

// SetAsyncAnalysisResult attaches the cold-path result JSON to a position.
func (s *Store) SetAsyncAnalysisResult(ctx context.Context, positionID, resultJSON string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE positions SET async_analysis_complete = 1, async_analysis_json = ?, updated_at = ?
			WHERE position_id = ?`,
			resultJSON, nowStr(time.Now()), positionID)
		if err != nil {
			return fmt.Errorf("set async analysis result: %w", err)
		}
		return nil
	})
}

// GetOpenPositions returns every position currently OPEN.
func (s *Store) GetOpenPositions(ctx context.Context) ([]core.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position_id, decision_id, symbol, token_address, created_at,
		       status, side, strategy_id, regime_tag, entry_price, size, exit_price, pnl,
		       stop_loss_pct, take_profit_pct, high_water_mark, breakeven_ratcheted,
		       trailing_active, risk_flag, async_analysis_complete, async_analysis_json,
		       execution_ordinal, closed_at
		FROM positions WHERE status = 'OPEN'`)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var out []core.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (core.Position, error) {
	var p core.Position
	var createdAt, closedAt sql.NullString
	var entryPrice, size, exitPrice, pnl, slPct, tpPct, hwm sql.NullString
	var regimeTag, riskFlag, asyncJSON sql.NullString
	var breakeven, trailing, asyncComplete int

	err := row.Scan(&p.PositionID, &p.DecisionID, &p.Symbol, &p.TokenAddress, &createdAt,
		&p.Status, &p.Side, &p.Strategy, &regimeTag, &entryPrice, &size, &exitPrice, &pnl,
		&slPct, &tpPct, &hwm, &breakeven, &trailing, &riskFlag, &asyncComplete, &asyncJSON,
		&p.ExecutionOrdinal, &closedAt)
	if err != nil {
		return p, fmt.Errorf("scan position: %w", err)
	}

	p.OpenedAt = parseTime(createdAt.String)
	p.ClosedAt = parseTime(closedAt.String)
	p.RegimeTag = regimeTag.String
	p.RiskFlag = riskFlag.String
	p.AsyncAnalysisJSON = asyncJSON.String
	p.AsyncAnalysisDone = asyncComplete != 0
	p.BreakevenRatcheted = breakeven != 0
	p.TrailingActive = trailing != 0
	p.EntryPrice = decimalOrZero(entryPrice.String)
	p.Size = decimalOrZero(size.String)
	p.ExitPrice = decimalOrZero(exitPrice.String)
	p.PnL = decimalOrZero(pnl.String)
	p.StopLossPct = decimalOrZero(slPct.String)
	p.TakeProfitPct = decimalOrZero(tpPct.String)
	p.HighWaterMark = decimalOrZero(hwm.String)

	return p, nil
}

func decimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) getPositionTx(ctx context.Context, tx *sql.Tx, positionID string) (*core.Position, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT position_id, decision_id, symbol, token_address, created_at,
		       status, side, strategy_id, regime_tag, entry_price, size, exit_price, pnl,
		       stop_loss_pct, take_profit_pct, high_water_mark, breakeven_ratcheted,
		       trailing_active, risk_flag, async_analysis_complete, async_analysis_json,
		       execution_ordinal, closed_at
		FROM positions WHERE position_id = ?`, positionID)
	p, err := scanPosition(row)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) getPositionByDecisionTx(ctx context.Context, tx *sql.Tx, decisionID string) (*core.Position, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT position_id, decision_id, symbol, token_address, created_at,
		       status, side, strategy_id, regime_tag, entry_price, size, exit_price, pnl,
		       stop_loss_pct, take_profit_pct, high_water_mark, breakeven_ratcheted,
		       trailing_active, risk_flag, async_analysis_complete, async_analysis_json,
		       execution_ordinal, closed_at
		FROM positions WHERE decision_id = ?`, decisionID)
	p, err := scanPosition(row)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
