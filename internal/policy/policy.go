// Package policy implements the Policy Engine: fifteen ordered,
// fail-closed gates plus a pre-gate circuit-breaker check, producing a
// binary PASS/BLOCK verdict with an auditable evidence trail for every gate
// evaluated.
package policy

import (
	"context"
	"fmt"
	"time"

	"sanad/internal/config"
	"sanad/internal/core"
)

// GateFailedPreGate is the reserved gate_failed value for failures observed
// before gate 1 runs at all: an active kill switch check failure, missing
// required state, or too many open circuit breakers. Distinct from the 15
// numbered gates so decision records can tell "never reached the gate list"
// from "failed gate 1".
const GateFailedPreGate = 0

// Context carries every input the fifteen gates read. It is assembled by
// the pipeline from the signal, enrichment, sizing, and verdict stages;
// Policy itself never fetches data.
type Context struct {
	Now time.Time

	KillSwitchActive bool

	DailyPnLPct      float64 // negative = loss
	CurrentDrawdownPct float64

	PriceTimestamp time.Time
	RequiredAPIDataMissing bool

	TokenAgeHours       float64
	EarlyLaunchStrategy bool

	HardRugpullFlag bool
	SoftRugpullFlag bool
	PaperMode       bool

	EstimatedSlippageBps int
	DepthInsufficient    bool

	IsCEX        bool
	SpreadBps    int

	IsDEX                    bool
	SimulatedSellReverts     bool
	SimulatedSellReturnsZero bool

	RecentPriceChangePct   float64
	VolatilityVerifiedCatalyst bool

	ExchangeErrorRatePct float64
	WebsocketDisconnected bool

	LastReconciliationAt time.Time
	ReconciliationMismatch bool

	CurrentMemeAllocationPct float64
	CurrentSingleTokenPct    float64
	OpenPositionCount        int
	ProposedSingleTokenPct   float64

	TokenAddress          string
	LastTradeAt           map[string]time.Time

	DailyLLMSpendUSD   float64
	MonthlyLLMSpendUSD float64

	TrustScore      int
	ConfidenceScore int
	JudgeVerdict    string // "APPROVE" | "REVISE" | "REJECT"
}

// GateResult is the outcome of one gate evaluation.
type GateResult struct {
	Number   int
	Name     string
	Passed   bool
	Evidence map[string]interface{}
}

// Verdict is the Policy Engine's final output, carrying every gate's
// evidence regardless of where evaluation stopped.
type Verdict struct {
	Result       core.DecisionResult
	GateFailed   int
	GateFailedName string
	ReasonCode   string
	Gates        []GateResult
}

// BreakerStore is the narrow collaborator used by the pre-gate circuit check.
type BreakerStore interface {
	ListOpenCircuitBreakers(ctx context.Context) ([]core.CircuitBreakerState, error)
}

// Engine evaluates the fifteen gates in order against a Context.
type Engine struct {
	risk     config.RiskConfig
	gates    config.PolicyGatesConfig
	scoring  config.ScoringConfig
	budget   config.BudgetConfig
	breakers config.CircuitBreakerConfig
	store    BreakerStore
	logger   core.ILogger
}

func New(risk config.RiskConfig, gates config.PolicyGatesConfig, scoring config.ScoringConfig, budget config.BudgetConfig, breakers config.CircuitBreakerConfig, store BreakerStore, logger core.ILogger) *Engine {
	return &Engine{risk: risk, gates: gates, scoring: scoring, budget: budget, breakers: breakers, store: store, logger: logger.WithField("component", "policy_engine")}
}

// Evaluate runs the pre-gate circuit check followed by all fifteen gates in
// order, short-circuiting at the first failure (fail-closed). Every gate
// evaluated before the stop point — pass or fail — is recorded in the
// returned Verdict for the decision packet.
func (e *Engine) Evaluate(ctx context.Context, gc Context) Verdict {
	var gates []GateResult

	if openCount, err := e.countOpenBreakers(ctx); err != nil {
		return Verdict{
			Result: core.DecisionBlock, GateFailed: GateFailedPreGate, GateFailedName: "CIRCUIT_BREAKER_STATE_UNAVAILABLE",
			ReasonCode: "STATE_MISSING", Gates: gates,
		}
	} else if openCount >= e.breakers.SimultaneousTripPause {
		return Verdict{
			Result: core.DecisionBlock, GateFailed: GateFailedPreGate, GateFailedName: "CIRCUIT_BREAKERS_TRIPPED",
			ReasonCode: fmt.Sprintf("%d circuit breakers open, pause threshold %d", openCount, e.breakers.SimultaneousTripPause),
			Gates: gates,
		}
	}

	for _, g := range e.orderedGates(gc) {
		gates = append(gates, g)
		if !g.Passed {
			return Verdict{
				Result: core.DecisionBlock, GateFailed: g.Number, GateFailedName: g.Name,
				ReasonCode: fmt.Sprintf("gate %d (%s) failed", g.Number, g.Name), Gates: gates,
			}
		}
	}

	return Verdict{Result: core.DecisionExecute, ReasonCode: "all gates passed", Gates: gates}
}

func (e *Engine) countOpenBreakers(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	states, err := e.store.ListOpenCircuitBreakers(ctx)
	if err != nil {
		return 0, err
	}
	return len(states), nil
}

func (e *Engine) orderedGates(gc Context) []GateResult {
	return []GateResult{
		e.gate1KillSwitch(gc),
		e.gate2CapitalPreservation(gc),
		e.gate3DataFreshness(gc),
		e.gate4TokenAge(gc),
		e.gate5RugpullSafety(gc),
		e.gate6Liquidity(gc),
		e.gate7Spread(gc),
		e.gate8PreflightSimulation(gc),
		e.gate9VolatilityHalt(gc),
		e.gate10ExchangeHealth(gc),
		e.gate11Reconciliation(gc),
		e.gate12ExposureLimits(gc),
		e.gate13Cooldown(gc),
		e.gate14Budget(gc),
		e.gate15Verdict(gc),
	}
}

func ev(kv ...interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		m[key] = kv[i+1]
	}
	return m
}

func (e *Engine) gate1KillSwitch(gc Context) GateResult {
	return GateResult{1, "KILL_SWITCH", !gc.KillSwitchActive, ev("active", gc.KillSwitchActive)}
}

func (e *Engine) gate2CapitalPreservation(gc Context) GateResult {
	dailyBreach := gc.DailyPnLPct <= -e.risk.DailyLossLimitPct
	drawdownBreach := gc.CurrentDrawdownPct >= e.risk.MaxDrawdownPct
	return GateResult{2, "CAPITAL_PRESERVATION", !dailyBreach && !drawdownBreach,
		ev("daily_pnl_pct", gc.DailyPnLPct, "daily_loss_limit_pct", e.risk.DailyLossLimitPct,
			"drawdown_pct", gc.CurrentDrawdownPct, "max_drawdown_pct", e.risk.MaxDrawdownPct)}
}

func (e *Engine) gate3DataFreshness(gc Context) GateResult {
	age := gc.Now.Sub(gc.PriceTimestamp)
	stale := gc.PriceTimestamp.IsZero() || age > time.Duration(e.gates.PriceMaxAgeSec)*time.Second
	return GateResult{3, "DATA_FRESHNESS", !stale && !gc.RequiredAPIDataMissing,
		ev("price_age_sec", age.Seconds(), "max_age_sec", e.gates.PriceMaxAgeSec, "api_data_missing", gc.RequiredAPIDataMissing)}
}

func (e *Engine) gate4TokenAge(gc Context) GateResult {
	passed := gc.TokenAgeHours >= e.gates.TokenMinAgeHours || gc.EarlyLaunchStrategy
	return GateResult{4, "TOKEN_AGE", passed,
		ev("token_age_hours", gc.TokenAgeHours, "min_hours", e.gates.TokenMinAgeHours, "early_launch_strategy", gc.EarlyLaunchStrategy)}
}

func (e *Engine) gate5RugpullSafety(gc Context) GateResult {
	passed := !gc.HardRugpullFlag && (!gc.SoftRugpullFlag || gc.PaperMode)
	return GateResult{5, "RUGPULL_SAFETY", passed,
		ev("hard_flag", gc.HardRugpullFlag, "soft_flag", gc.SoftRugpullFlag, "paper_mode", gc.PaperMode)}
}

func (e *Engine) gate6Liquidity(gc Context) GateResult {
	passed := gc.EstimatedSlippageBps <= e.gates.MaxSlippageBps && !gc.DepthInsufficient
	return GateResult{6, "LIQUIDITY", passed,
		ev("estimated_slippage_bps", gc.EstimatedSlippageBps, "max_slippage_bps", e.gates.MaxSlippageBps, "depth_insufficient", gc.DepthInsufficient)}
}

func (e *Engine) gate7Spread(gc Context) GateResult {
	if !gc.IsCEX {
		return GateResult{7, "SPREAD", true, ev("skipped_not_cex", true)}
	}
	passed := gc.SpreadBps <= e.gates.MaxSpreadBps
	return GateResult{7, "SPREAD", passed, ev("spread_bps", gc.SpreadBps, "max_spread_bps", e.gates.MaxSpreadBps)}
}

func (e *Engine) gate8PreflightSimulation(gc Context) GateResult {
	if !gc.IsDEX {
		return GateResult{8, "PREFLIGHT_SIMULATION", true, ev("skipped_not_dex", true)}
	}
	passed := !gc.SimulatedSellReverts && !gc.SimulatedSellReturnsZero
	return GateResult{8, "PREFLIGHT_SIMULATION", passed,
		ev("reverts", gc.SimulatedSellReverts, "returns_zero", gc.SimulatedSellReturnsZero)}
}

func (e *Engine) gate9VolatilityHalt(gc Context) GateResult {
	breach := absF(gc.RecentPriceChangePct) > e.gates.VolatilityHaltPct && !gc.VolatilityVerifiedCatalyst
	return GateResult{9, "VOLATILITY_HALT", !breach,
		ev("recent_price_change_pct", gc.RecentPriceChangePct, "threshold_pct", e.gates.VolatilityHaltPct, "verified_catalyst", gc.VolatilityVerifiedCatalyst)}
}

func (e *Engine) gate10ExchangeHealth(gc Context) GateResult {
	passed := gc.ExchangeErrorRatePct <= e.gates.ExchangeErrorRatePct && !gc.WebsocketDisconnected
	return GateResult{10, "EXCHANGE_HEALTH", passed,
		ev("error_rate_pct", gc.ExchangeErrorRatePct, "threshold_pct", e.gates.ExchangeErrorRatePct, "ws_disconnected", gc.WebsocketDisconnected)}
}

func (e *Engine) gate11Reconciliation(gc Context) GateResult {
	age := gc.Now.Sub(gc.LastReconciliationAt)
	stale := gc.LastReconciliationAt.IsZero() || age > time.Duration(e.gates.ReconciliationMaxAgeSec)*time.Second
	passed := !stale && !gc.ReconciliationMismatch
	return GateResult{11, "RECONCILIATION", passed,
		ev("age_sec", age.Seconds(), "max_age_sec", e.gates.ReconciliationMaxAgeSec, "mismatch", gc.ReconciliationMismatch)}
}

func (e *Engine) gate12ExposureLimits(gc Context) GateResult {
	memeBreach := gc.CurrentMemeAllocationPct > e.risk.MaxMemeAllocationPct
	singleBreach := gc.ProposedSingleTokenPct > e.risk.MaxSingleTokenPct
	countBreach := gc.OpenPositionCount >= e.gates.MaxConcurrentPositions
	passed := !memeBreach && !singleBreach && !countBreach
	return GateResult{12, "EXPOSURE_LIMITS", passed,
		ev("meme_allocation_pct", gc.CurrentMemeAllocationPct, "max_meme_pct", e.risk.MaxMemeAllocationPct,
			"proposed_single_token_pct", gc.ProposedSingleTokenPct, "max_single_token_pct", e.risk.MaxSingleTokenPct,
			"open_position_count", gc.OpenPositionCount, "max_concurrent_positions", e.gates.MaxConcurrentPositions)}
}

func (e *Engine) gate13Cooldown(gc Context) GateResult {
	lastTrade, ok := gc.LastTradeAt[gc.TokenAddress]
	cooldownActive := ok && gc.Now.Sub(lastTrade) < time.Duration(e.gates.CooldownMinutes)*time.Minute
	return GateResult{13, "COOLDOWN", !cooldownActive,
		ev("token", gc.TokenAddress, "last_trade_at", lastTrade, "cooldown_minutes", e.gates.CooldownMinutes)}
}

func (e *Engine) gate14Budget(gc Context) GateResult {
	passed := gc.DailyLLMSpendUSD < e.budget.DailyLLMSpendLimitUSD && gc.MonthlyLLMSpendUSD < e.budget.MonthlyLLMSpendLimitUSD
	return GateResult{14, "BUDGET", passed,
		ev("daily_spend_usd", gc.DailyLLMSpendUSD, "daily_limit_usd", e.budget.DailyLLMSpendLimitUSD,
			"monthly_spend_usd", gc.MonthlyLLMSpendUSD, "monthly_limit_usd", e.budget.MonthlyLLMSpendLimitUSD)}
}

func (e *Engine) gate15Verdict(gc Context) GateResult {
	passed := gc.TrustScore >= e.scoring.MinTrustScore && gc.ConfidenceScore >= e.scoring.MinConfidenceScore && gc.JudgeVerdict != "REJECT"
	return GateResult{15, "VERDICT", passed,
		ev("trust_score", gc.TrustScore, "min_trust_score", e.scoring.MinTrustScore,
			"confidence_score", gc.ConfidenceScore, "min_confidence_score", e.scoring.MinConfidenceScore,
			"judge_verdict", gc.JudgeVerdict)}
}

func absF(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
