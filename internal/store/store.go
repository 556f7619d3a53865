// Package store implements the State Store: atomic, durable
// persistence and transactional composition of the core's write operations
// over a single SQLite database. Writes use a short busy timeout and fail
// fast with apperrors.ErrDBBusy rather than blocking; all guarded state
// transitions are conditional updates on expected current state.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sanad/internal/apperrors"
	"sanad/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	decision_id TEXT PRIMARY KEY,
	signal_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	policy_version TEXT NOT NULL,
	result TEXT NOT NULL CHECK (result IN ('EXECUTE','SKIP','BLOCK')),
	stage TEXT NOT NULL,
	reason_code TEXT NOT NULL,
	gate_failed INTEGER,
	gate_failed_name TEXT,
	evidence_json TEXT,
	timings_json TEXT NOT NULL,
	decision_packet_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_signal_id ON decisions(signal_id);
CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions(created_at);

CREATE TABLE IF NOT EXISTS positions (
	position_id TEXT PRIMARY KEY,
	decision_id TEXT NOT NULL UNIQUE,
	symbol TEXT NOT NULL,
	token_address TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('OPEN','CLOSED')),
	side TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	regime_tag TEXT,
	entry_price TEXT NOT NULL,
	size TEXT NOT NULL,
	exit_price TEXT,
	closed_at TEXT,
	pnl TEXT,
	stop_loss_pct TEXT,
	take_profit_pct TEXT,
	high_water_mark TEXT,
	breakeven_ratcheted INTEGER NOT NULL DEFAULT 0,
	trailing_active INTEGER NOT NULL DEFAULT 0,
	risk_flag TEXT,
	async_analysis_complete INTEGER NOT NULL DEFAULT 0,
	async_analysis_json TEXT,
	execution_ordinal INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_token ON positions(token_address);

CREATE TABLE IF NOT EXISTS async_tasks (
	task_id TEXT PRIMARY KEY,
	task_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('PENDING','RUNNING','DONE','FAILED')),
	attempts INTEGER NOT NULL DEFAULT 0,
	next_run_at TEXT NOT NULL,
	last_error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_next ON async_tasks(status, next_run_at);

CREATE TABLE IF NOT EXISTS bandit_strategy_stats (
	strategy_id TEXT NOT NULL,
	regime_tag TEXT NOT NULL,
	alpha REAL NOT NULL,
	beta REAL NOT NULL,
	n INTEGER NOT NULL,
	last_updated TEXT NOT NULL,
	PRIMARY KEY(strategy_id, regime_tag)
);

CREATE TABLE IF NOT EXISTS source_ucb_stats (
	source_id TEXT PRIMARY KEY,
	n INTEGER NOT NULL,
	reward_sum REAL NOT NULL,
	last_updated TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	client_order_id TEXT PRIMARY KEY,
	exchange_order_id TEXT,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity TEXT NOT NULL,
	price TEXT,
	time_in_force TEXT NOT NULL,
	state TEXT NOT NULL,
	filled_quantity TEXT NOT NULL DEFAULT '0',
	avg_fill_price TEXT NOT NULL DEFAULT '0',
	fills_json TEXT,
	retries INTEGER NOT NULL DEFAULT 0,
	strategy TEXT,
	correlation_id TEXT NOT NULL,
	exchange TEXT NOT NULL,
	paper_mode INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state);

CREATE TABLE IF NOT EXISTS circuit_breaker_state (
	component TEXT PRIMARY KEY,
	state TEXT NOT NULL CHECK (state IN ('closed','open','half_open')),
	failure_count INTEGER NOT NULL DEFAULT 0,
	cooldown_until TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS kill_switch (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	active INTEGER NOT NULL DEFAULT 0,
	reason TEXT,
	activated_at TEXT
);

CREATE TABLE IF NOT EXISTS leases (
	owner TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	heartbeat_at TEXT NOT NULL,
	completed_at TEXT,
	ttl_seconds INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS watchdog_attempts (
	component TEXT PRIMARY KEY,
	tier INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TEXT,
	last_recovered_at TEXT
);
`

// Store is the SQLite-backed State Store. A single instance is shared
// read-write by every worker process in the deployment's scheduling model.
type Store struct {
	db     *sql.DB
	logger core.ILogger
}

// Open opens (and, if necessary, creates) the SQLite database at dbPath,
// enables WAL mode plus a 250ms busy timeout, and ensures the schema exists.
func Open(ctx context.Context, dbPath string, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite + WAL: a single writer connection avoids lock thrash

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=250",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, logger: logger.WithField("component", "state_store")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction with a short, fail-fast busy timeout,
// translating SQLite "database is locked" errors into apperrors.ErrDBBusy
// per the write-transaction contract.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	writeCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()

	tx, err := s.db.BeginTx(writeCtx, nil)
	if err != nil {
		return classifyBusy(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classifyBusy(err)
	}
	return nil
}

func classifyBusy(err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		return apperrors.ErrDBBusy
	}
	if strings.Contains(strings.ToLower(err.Error()), "database is locked") ||
		strings.Contains(strings.ToLower(err.Error()), "busy") ||
		strings.Contains(strings.ToLower(err.Error()), "context deadline exceeded") {
		return apperrors.ErrDBBusy
	}
	return err
}

func nowStr(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
