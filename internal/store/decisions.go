package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sanad/internal/core"
)

// InsertDecision persists a Decision, idempotent on decision_id: if a row
// already exists it is left untouched (decisions are immutable after
// insert per the data model invariants).
func (s *Store) InsertDecision(ctx context.Context, d core.Decision) error {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return fmt.Errorf("marshal decision evidence: %w", err)
	}
	packet, err := json.Marshal(d.Packet)
	if err != nil {
		return fmt.Errorf("marshal decision packet: %w", err)
	}
	timings := make(map[string]string, len(d.Timings))
	for k, v := range d.Timings {
		timings[k] = v.String()
	}
	timingsJSON, err := json.Marshal(timings)
	if err != nil {
		return fmt.Errorf("marshal decision timings: %w", err)
	}

	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO decisions (
				decision_id, signal_id, created_at, policy_version, result, stage,
				reason_code, gate_failed, gate_failed_name, evidence_json, timings_json,
				decision_packet_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.DecisionID, d.SignalID, nowStr(createdAt), d.PolicyVersion, string(d.Result),
			d.TerminalStage, d.ReasonCode, d.GateFailed, d.GateFailedName, string(evidence),
			string(timingsJSON), string(packet),
		)
		if err != nil {
			return fmt.Errorf("insert decision: %w", classifyBusy(err))
		}
		return nil
	})
}

// GetDecision fetches a decision by id. Returns nil, nil if not found.
func (s *Store) GetDecision(ctx context.Context, decisionID string) (*core.Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT decision_id, signal_id, created_at, policy_version, result, stage,
		       reason_code, gate_failed, gate_failed_name, evidence_json, timings_json,
		       decision_packet_json
		FROM decisions WHERE decision_id = ?`, decisionID)

	var d core.Decision
	var createdAt, evidenceJSON, timingsJSON, packetJSON string
	var gateFailed sql.NullInt64
	var gateFailedName sql.NullString
	err := row.Scan(&d.DecisionID, &d.SignalID, &createdAt, &d.PolicyVersion, &d.Result,
		&d.TerminalStage, &d.ReasonCode, &gateFailed, &gateFailedName, &evidenceJSON,
		&timingsJSON, &packetJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}

	d.CreatedAt = parseTime(createdAt)
	d.GateFailed = int(gateFailed.Int64)
	d.GateFailedName = gateFailedName.String
	_ = json.Unmarshal([]byte(evidenceJSON), &d.Evidence)
	_ = json.Unmarshal([]byte(packetJSON), &d.Packet)

	var rawTimings map[string]string
	_ = json.Unmarshal([]byte(timingsJSON), &rawTimings)
	d.Timings = make(map[string]time.Duration, len(rawTimings))
	for k, v := range rawTimings {
		if dur, err := time.ParseDuration(v); err == nil {
			d.Timings[k] = dur
		}
	}

	return &d, nil
}
