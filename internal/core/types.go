// Package core defines the domain types and narrow collaborator interfaces
// shared across the trading core: signals, decisions, positions, async
// tasks, orders, circuit breaker state, leases, and the kill switch.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// DecisionResult is the terminal outcome of a pipeline run.
type DecisionResult string

const (
	DecisionExecute DecisionResult = "EXECUTE"
	DecisionSkip    DecisionResult = "SKIP"
	DecisionBlock   DecisionResult = "BLOCK"
)

// PositionStatus is the lifecycle state of a Position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// AsyncTaskStatus is the lifecycle state of an AsyncTask.
type AsyncTaskStatus string

const (
	AsyncPending AsyncTaskStatus = "PENDING"
	AsyncRunning AsyncTaskStatus = "RUNNING"
	AsyncDone    AsyncTaskStatus = "DONE"
	AsyncFailed  AsyncTaskStatus = "FAILED"
)

// OrderState is the lifecycle state of an exchange-facing Order.
type OrderState string

const (
	OrderNew             OrderState = "NEW"
	OrderSubmitted       OrderState = "SUBMITTED"
	OrderAcknowledged    OrderState = "ACKNOWLEDGED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCanceled        OrderState = "CANCELED"
	OrderRejected        OrderState = "REJECTED"
	OrderExpired         OrderState = "EXPIRED"
	OrderFailed          OrderState = "FAILED"
)

// CircuitState is the state of a per-component circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Risk flags attached to a Position by the cold-path worker.
const (
	FlagAsyncFailedPermanent = "FLAG_ASYNC_FAILED_PERMANENT"
	FlagJudgeHighConfReject  = "FLAG_JUDGE_HIGH_CONF_REJECT"
)

// Async task error taxonomy recorded in last_error.
const (
	ErrJudgeParse = "ERR_JUDGE_PARSE"
	ErrJSONParse  = "ERR_JSON_PARSE"
	ErrValidation = "ERR_VALIDATION"
	ErrWorker     = "ERR_WORKER"
)

// CorroborationTier classifies a signal by how many independent sources
// mention the same token in the current window.
type CorroborationTier string

const (
	CorroborationAhad     CorroborationTier = "AHAD"     // single source
	CorroborationMashhur  CorroborationTier = "MASHHUR"  // >= 2 sources
	CorroborationTawatur  CorroborationTier = "TAWATUR"  // >= 3 sources
)

// Signal is a candidate trading opportunity normalized from a feed adapter.
type Signal struct {
	SignalID         string
	SourceEventID    string
	TokenAddress     string
	Chain            string
	SourcePrimary    string
	Sources          []string
	SignalType       string
	Thesis           string
	Timestamp        time.Time
	Price            decimal.Decimal
	Volume24h        decimal.Decimal
	Liquidity        decimal.Decimal
	MarketCap        decimal.Decimal
	FDV              decimal.Decimal
	RugcheckScore    int
	TokenAgeHours    float64
	HolderCount      int
	IsCEXListed      bool
	PaidPromotion    bool
	Corroboration    CorroborationTier
	CorroborationCnt int
}

// Decision is the immutable outcome of one pipeline run over a Signal.
type Decision struct {
	DecisionID    string
	SignalID      string
	PolicyVersion string
	Result        DecisionResult
	TerminalStage string
	ReasonCode    string
	GateFailed    int
	GateFailedName string
	Evidence      map[string]interface{}
	Packet        map[string]interface{}
	CreatedAt     time.Time
	Timings       map[string]time.Duration
}

// Position is an open or closed trade opened off an EXECUTE decision.
type Position struct {
	PositionID          string
	DecisionID          string
	Symbol              string
	TokenAddress        string
	Status              PositionStatus
	Side                string
	EntryPrice          decimal.Decimal
	Size                decimal.Decimal
	ExitPrice           decimal.Decimal
	PnL                 decimal.Decimal
	StopLossPct         decimal.Decimal
	TakeProfitPct       decimal.Decimal
	HighWaterMark       decimal.Decimal
	BreakevenRatcheted  bool
	TrailingActive      bool
	RiskFlag            string
	AsyncAnalysisDone   bool
	AsyncAnalysisJSON   string
	OpenedAt            time.Time
	ClosedAt            time.Time
	ExecutionOrdinal    int
	Strategy            string
	RegimeTag           string
}

// AsyncTask is a durable cold-path work item tied to a Position.
type AsyncTask struct {
	TaskID      string
	TaskType    string
	EntityID    string
	Status      AsyncTaskStatus
	Attempts    int
	NextRunAt   time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BanditStat holds Thompson-sampling posterior parameters for a strategy arm
// within a market regime.
type BanditStat struct {
	StrategyID string
	RegimeTag  string
	Alpha      float64
	Beta       float64
	N          int64
}

// SourceUCB holds running reward statistics for a signal source.
type SourceUCB struct {
	SourceID  string
	N         int64
	RewardSum float64
}

// Fill is one partial or complete execution against an Order.
type Fill struct {
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	FeeUSD    decimal.Decimal
	Timestamp time.Time
}

// Order is an exchange-facing order record, keyed by an idempotent
// client-generated id.
type Order struct {
	ClientOrderID  string
	ExchangeOrderID string
	Symbol         string
	Side           string
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	TimeInForce    string
	State          OrderState
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Fills          []Fill
	Retries        int
	Strategy       string
	CorrelationID  string
	Exchange       string
	PaperMode      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CircuitBreakerState is the persisted per-component breaker state read by
// the policy engine's pre-gate check and the health snapshot.
type CircuitBreakerState struct {
	Component     string
	State         CircuitState
	FailureCount  int
	CooldownUntil time.Time
	UpdatedAt     time.Time
}

// Lease is a liveness token written by a worker and read by the Watchdog.
type Lease struct {
	Owner       string
	StartedAt   time.Time
	HeartbeatAt time.Time
	CompletedAt time.Time
	TTLSeconds  int
}

// Fresh reports whether the lease is still within its TTL as of now.
func (l Lease) Fresh(now time.Time) bool {
	if l.HeartbeatAt.IsZero() {
		return false
	}
	return now.Sub(l.HeartbeatAt) <= time.Duration(l.TTLSeconds)*time.Second
}

// KillSwitch is the process-wide halt flag, written by Heartbeat or Policy
// and read by every write path before it opens a position or submits a live
// order.
type KillSwitch struct {
	Active      bool
	Reason      string
	ActivatedAt time.Time
}

// WatchdogAttempt is the persisted escalation counter for a single watched
// component, surviving cron restarts so the Watchdog's tier progression
// is not reset by the very crash it is meant to detect.
type WatchdogAttempt struct {
	Component       string
	Tier            int
	Attempts        int
	LastAttemptAt   time.Time
	LastRecoveredAt time.Time
}
