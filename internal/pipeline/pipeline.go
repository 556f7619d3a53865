// Package pipeline implements the seven-stage evaluation:
// intake → sanad verification → token classification → strategy match →
// bull/bear debate → policy gates → execute-or-log. It is the only
// component that writes new open positions. Every terminal path, PASS or
// BLOCK, appends a Decision; fail-closed is the default disposition for
// missing inputs, unparseable oracle output, and a failed Bear argument.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sanad/internal/breaker"
	"sanad/internal/config"
	"sanad/internal/core"
	"sanad/internal/feed"
	"sanad/internal/flags"
	"sanad/internal/ids"
	"sanad/internal/llm"
	"sanad/internal/oms"
	"sanad/internal/policy"
	"sanad/internal/portfolio"
	"sanad/internal/profile"
	"sanad/internal/strategy"
	"sanad/pkg/concurrency"
)

// PolicyVersion is folded into decision_id so a gate-list revision yields
// fresh decisions for previously seen signals.
const PolicyVersion = "v3"

// Store is the persistence contract the pipeline writes through.
type Store interface {
	InsertDecision(ctx context.Context, d core.Decision) error
	TryOpenPositionAtomic(ctx context.Context, decision core.Decision, pos core.Position) (*core.Position, bool, error)
	GetKillSwitch(ctx context.Context) (core.KillSwitch, error)
}

// Deps wires the pipeline's collaborators. Configuration, clocks, and
// shared state handles are injected here, never reached through
// process-wide singletons.
type Deps struct {
	Cfg        *config.Config
	Store      Store
	Policy     *policy.Engine
	LLM        *llm.Client
	OMS        *oms.OMS
	Breakers   *breaker.Pool
	Enricher   Enricher
	Prices     *feed.PriceCache
	Portfolio  *portfolio.Tracker
	Selector   *strategy.Selector
	Registry   *strategy.Registry
	KillSwitch flags.KillSwitch
	FastPath   flags.Flag
	Logger     core.ILogger
	Clock      core.Clock
	Pool       *concurrency.WorkerPool

	// ExchangeHealth feeds Gate 10; the live price stream satisfies it.
	ExchangeHealth ExchangeHealth
	// Spend feeds Gate 14's running LLM totals.
	Spend llm.SpendRecorder
	// ReconciliationFile is the JSON state the reconciliation job writes,
	// read by Gate 11. Paper mode has no exchange balances to reconcile
	// and passes the gate vacuously.
	ReconciliationFile string
}

// ExchangeHealth is the Gate 10 input surface.
type ExchangeHealth interface {
	ErrorRatePct() float64
	Connected() bool
}

// Pipeline evaluates one signal per Run call.
type Pipeline struct {
	d      Deps
	logger core.ILogger
	clock  core.Clock
}

func New(d Deps) *Pipeline {
	if d.Clock == nil {
		d.Clock = core.RealClock{}
	}
	return &Pipeline{d: d, logger: d.Logger.WithField("component", "pipeline"), clock: d.Clock}
}

// Run evaluates a signal end to end and persists the resulting Decision
// (and Position on EXECUTE). It never returns a nil Outcome together with
// a nil error: a fault in a stage becomes a BLOCK decision; only
// persistence failures surface as errors.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Outcome, error) {
	start := p.clock.Now()
	correlationID := uuid.NewString()
	timings := map[string]time.Duration{}
	logger := p.logger.WithField("signal_id", in.Signal.SignalID).WithField("correlation_id", correlationID)

	decisionID := ids.MakeDecisionID(in.Signal.SignalID, PolicyVersion)

	finish := func(out *Outcome, err error) (*Outcome, error) {
		timings[timingTotal] = sinceMS(start, p.clock)
		if out != nil {
			out.Decision.Timings = timings
		}
		return out, err
	}

	// Stage 1: intake — field validation and freshness. The kill switch is
	// checked here too: Gate 1 must precede every LLM-dependent stage, so
	// an active switch terminates with gate_failed=1 before any oracle
	// spend.
	stageStart := p.clock.Now()
	if reason := p.intake(ctx, in); reason != "" {
		timings[StageIntake] = sinceMS(stageStart, p.clock)
		if reason == reasonKillSwitch {
			return finish(p.block(ctx, in, decisionID, correlationID, StageIntake, reason, 1, "KILL_SWITCH", nil))
		}
		return finish(p.block(ctx, in, decisionID, correlationID, StageIntake, reason, 0, "", nil))
	}
	timings[StageIntake] = sinceMS(stageStart, p.clock)

	// Fast-track short-circuit: deterministic path for well-corroborated
	// Tier 1/2 signals, bypassing Sanad LLM, debate, and Judge.
	if p.fastTrackEligible(ctx, in) {
		logger.Info("fast-track engaged", "token", in.Signal.TokenAddress, "cross_sources", in.CrossSourceCount)
		out, err := p.runFastTrack(ctx, in, decisionID, correlationID, timings)
		return finish(out, err)
	}

	// Stage 2: Sanad verification.
	stageStart = p.clock.Now()
	sanad, err := p.runSanad(ctx, in, correlationID)
	timings[StageSanad] = sinceMS(stageStart, p.clock)
	if err != nil {
		logger.Warn("sanad verification failed closed", "error", err)
		return finish(p.block(ctx, in, decisionID, correlationID, StageSanad, fmt.Sprintf("sanad verification: %v", err), 0, "", nil))
	}
	if sanad.HardBlocked {
		return finish(p.blockHard(ctx, in, decisionID, correlationID, StageSanad, sanad.HardBlockReason, sanad))
	}

	// Stage 3: token classification.
	stageStart = p.clock.Now()
	prof := p.buildProfile(in, sanad.Evidence)
	timings[StageProfile] = sinceMS(stageStart, p.clock)
	if prof.SimpleTier == profile.TierSkip {
		return finish(p.skip(ctx, in, decisionID, correlationID, StageProfile, fmt.Sprintf("tier %s: not tradeable", prof.DetailedTier), sanad))
	}
	if ok, reason := profile.MemeSafetyGate(prof); !ok {
		return finish(p.blockHard(ctx, in, decisionID, correlationID, StageProfile, "meme safety gate: "+reason, sanad))
	}

	// Stage 4: strategy match and sizing.
	stageStart = p.clock.Now()
	strat, ok := p.matchStrategy(ctx, in, prof)
	timings[StageStrategy] = sinceMS(stageStart, p.clock)
	if !ok {
		return finish(p.skip(ctx, in, decisionID, correlationID, StageStrategy, fmt.Sprintf("no eligible strategy for tier %s", prof.SimpleTier), sanad))
	}

	// Stage 5: bull/bear debate plus the adversarial Judge. The Bear is
	// never skipped; a failed Bear call fails the whole run closed.
	stageStart = p.clock.Now()
	debate, err := p.runDebate(ctx, in, prof, sanad, correlationID)
	timings[StageDebate] = sinceMS(stageStart, p.clock)
	if err != nil {
		logger.Warn("debate failed closed", "error", err)
		return finish(p.block(ctx, in, decisionID, correlationID, StageDebate, fmt.Sprintf("debate: %v", err), 0, "", &sanad))
	}

	// Stage 6: policy engine.
	stageStart = p.clock.Now()
	quote, _ := p.d.Prices.Get(p.symbol(in))
	verdict, gateCtx, err := p.evaluatePolicy(ctx, in, prof, sanad, strat, debate, quote)
	timings[StagePolicy] = sinceMS(stageStart, p.clock)
	if err != nil {
		return finish(p.block(ctx, in, decisionID, correlationID, StagePolicy, fmt.Sprintf("policy state unavailable: %v", err), policy.GateFailedPreGate, "STATE_MISSING", &sanad))
	}
	if verdict.Result != core.DecisionExecute {
		out := p.decisionFromVerdict(in, decisionID, correlationID, verdict, sanad, debate)
		if err := p.d.Store.InsertDecision(ctx, out.Decision); err != nil {
			return finish(nil, err)
		}
		return finish(out, nil)
	}

	// Stage 7: execute.
	stageStart = p.clock.Now()
	out, err := p.execute(ctx, in, prof, sanad, strat, debate, verdict, gateCtx, quote, decisionID, correlationID)
	timings[StageExecute] = sinceMS(stageStart, p.clock)
	return finish(out, err)
}

const reasonKillSwitch = "kill switch active"

// intake validates required fields and signal freshness. Returns an empty
// string when the signal may proceed.
func (p *Pipeline) intake(ctx context.Context, in Input) string {
	if p.d.KillSwitch.Active() {
		return reasonKillSwitch
	}
	if ks, err := p.d.Store.GetKillSwitch(ctx); err == nil && ks.Active {
		return reasonKillSwitch
	}

	sig := in.Signal
	switch {
	case sig.SignalID == "":
		return "missing signal_id"
	case sig.TokenAddress == "":
		return "missing token_address"
	case sig.SourcePrimary == "":
		return "missing source"
	case sig.Thesis == "":
		return "missing thesis"
	}

	if sig.Chain != "" && !feed.ValidTokenAddress(sig.Chain, sig.TokenAddress) {
		return fmt.Sprintf("invalid token address for chain %s", sig.Chain)
	}

	maxAge := time.Duration(p.d.Cfg.Sanad.SignalMaxAgeMinutes) * time.Minute
	if sig.Timestamp.IsZero() || p.clock.Now().Sub(sig.Timestamp) > maxAge {
		return fmt.Sprintf("signal stale: older than %s", maxAge)
	}
	return ""
}

func (p *Pipeline) symbol(in Input) string {
	if in.Signal.IsCEXListed {
		return in.Signal.TokenAddress + "USDT"
	}
	return in.Signal.TokenAddress
}

// block records a BLOCK decision.
func (p *Pipeline) block(ctx context.Context, in Input, decisionID, correlationID, stage, reason string, gateFailed int, gateName string, sanad *SanadResult) (*Outcome, error) {
	return p.record(ctx, in, decisionID, correlationID, core.DecisionBlock, stage, reason, gateFailed, gateName, sanad, nil, false)
}

// blockHard records a BLOCK from a pre-LLM hard gate (honeypot, rugpull,
// critical sybil, meme safety) with hard_gate marked in the packet.
func (p *Pipeline) blockHard(ctx context.Context, in Input, decisionID, correlationID, stage, reason string, sanad SanadResult) (*Outcome, error) {
	return p.record(ctx, in, decisionID, correlationID, core.DecisionBlock, stage, reason, 0, "", &sanad, nil, true)
}

// skip records a SKIP decision (not tradeable, no strategy).
func (p *Pipeline) skip(ctx context.Context, in Input, decisionID, correlationID, stage, reason string, sanad SanadResult) (*Outcome, error) {
	return p.record(ctx, in, decisionID, correlationID, core.DecisionSkip, stage, reason, 0, "", &sanad, nil, false)
}

func (p *Pipeline) record(ctx context.Context, in Input, decisionID, correlationID string, result core.DecisionResult, stage, reason string, gateFailed int, gateName string, sanad *SanadResult, debate *DebateResult, hardGate bool) (*Outcome, error) {
	packet := map[string]interface{}{
		"correlation_id":     correlationID,
		"token":              in.Signal.TokenAddress,
		"chain":              in.Signal.Chain,
		"source":             in.Signal.SourcePrimary,
		"cross_source_count": in.CrossSourceCount,
		"router_score":       in.RouterScore,
		"hard_gate":          hardGate,
	}
	if sanad != nil {
		packet["trust_score"] = sanad.TrustScore
		packet["grade"] = sanad.Grade
		packet["recommendation"] = sanad.Recommendation
		packet["rugpull_flags"] = sanad.RugpullFlags
	}
	if debate != nil {
		packet["bull_conviction"] = debate.Bull.Conviction
		packet["bear_conviction"] = debate.Bear.Conviction
		packet["judge_verdict"] = debate.Judge.Verdict
		packet["judge_confidence"] = debate.Judge.Confidence
		packet["paper_override"] = debate.PaperOverride
	}

	d := core.Decision{
		DecisionID:     decisionID,
		SignalID:       in.Signal.SignalID,
		PolicyVersion:  PolicyVersion,
		Result:         result,
		TerminalStage:  stage,
		ReasonCode:     reason,
		GateFailed:     gateFailed,
		GateFailedName: gateName,
		Packet:         packet,
		CreatedAt:      p.clock.Now(),
	}
	if err := p.d.Store.InsertDecision(ctx, d); err != nil {
		return nil, err
	}
	return &Outcome{Decision: d}, nil
}

// decisionFromVerdict maps a policy BLOCK verdict (full gate evidence
// attached) into a Decision.
func (p *Pipeline) decisionFromVerdict(in Input, decisionID, correlationID string, v policy.Verdict, sanad SanadResult, debate DebateResult) *Outcome {
	evidence := make(map[string]interface{}, len(v.Gates))
	for _, g := range v.Gates {
		evidence[fmt.Sprintf("gate_%02d_%s", g.Number, g.Name)] = g.Evidence
	}
	packet := map[string]interface{}{
		"correlation_id":     correlationID,
		"token":              in.Signal.TokenAddress,
		"cross_source_count": in.CrossSourceCount,
		"trust_score":        sanad.TrustScore,
		"judge_verdict":      debate.Judge.Verdict,
		"judge_confidence":   debate.Judge.Confidence,
		"paper_override":     debate.PaperOverride,
	}
	return &Outcome{Decision: core.Decision{
		DecisionID:     decisionID,
		SignalID:       in.Signal.SignalID,
		PolicyVersion:  PolicyVersion,
		Result:         core.DecisionBlock,
		TerminalStage:  StagePolicy,
		ReasonCode:     v.ReasonCode,
		GateFailed:     v.GateFailed,
		GateFailedName: gateDisplayName(v.GateFailed, v.GateFailedName),
		Evidence:       evidence,
		Packet:         packet,
		CreatedAt:      p.clock.Now(),
	}}
}

// gateDisplayName maps internal gate identifiers onto the human-facing
// names used in decision records ("Liquidity Gate").
func gateDisplayName(number int, internal string) string {
	names := map[int]string{
		1:  "Kill Switch Gate",
		2:  "Capital Preservation Gate",
		3:  "Data Freshness Gate",
		4:  "Token Age Gate",
		5:  "Rugpull Safety Gate",
		6:  "Liquidity Gate",
		7:  "Spread Gate",
		8:  "Pre-Flight Simulation Gate",
		9:  "Volatility Halt Gate",
		10: "Exchange Health Gate",
		11: "Reconciliation Gate",
		12: "Exposure Limits Gate",
		13: "Cooldown Gate",
		14: "Budget Gate",
		15: "Verdict Gate",
	}
	if n, ok := names[number]; ok {
		return n
	}
	return internal
}

// buildProfile assembles and classifies the TokenProfile from the signal
// plus on-chain evidence.
func (p *Pipeline) buildProfile(in Input, ev OnChainEvidence) profile.TokenProfile {
	marketCap := ev.MarketCap
	if marketCap.IsZero() {
		marketCap = in.Signal.MarketCap
	}
	fdv := ev.FDV
	if fdv.IsZero() {
		fdv = in.Signal.FDV
	}
	prof := profile.TokenProfile{
		Symbol:          in.Signal.TokenAddress,
		Chain:           in.Signal.Chain,
		TokenAddress:    in.Signal.TokenAddress,
		MarketCap:       marketCap,
		FDV:             fdv,
		LiquidityUSD:    in.Signal.Liquidity,
		Volume24h:       in.Signal.Volume24h,
		AgeDays:         ev.TokenAgeHours / 24,
		CEXListed:       in.Signal.IsCEXListed,
		DEXOnly:         !in.Signal.IsCEXListed,
		RugcheckScore:   in.Signal.RugcheckScore,
		HolderTop10Pct:  ev.HolderTop10Pct,
		LPLockedPct:     ev.LPLockedPct,
		HoneypotVerdict: ev.HoneypotVerdict,
		RugpullVerdict:  ev.RugpullVerdict,
		SecurityFlags:   ev.SecurityFlags,
		WhaleSignal:     in.Signal.SignalType == "WHALE_FOLLOW",
	}
	profile.Classify(&prof)
	return prof
}

// matchStrategy selects an arm and sizes the position.
func (p *Pipeline) matchStrategy(ctx context.Context, in Input, prof profile.TokenProfile) (StrategyResult, bool) {
	spec, ok := p.d.Selector.Select(ctx, prof, in.RegimeTag)
	if !ok {
		return StrategyResult{}, false
	}

	notional := strategy.PositionSize(p.d.Cfg.Sizing, strategy.SizingInputs{
		Equity:       p.d.Portfolio.Equity(),
		TradeCount:   0, // cold start until post-trade analytics accumulate
		RegimeFactor: in.RegimeFactor,
		PaperMode:    p.d.Cfg.Mode == "paper",
	})

	qty := decimal.Zero
	if !in.Signal.Price.IsZero() {
		qty = notional.Div(in.Signal.Price)
	}
	return StrategyResult{
		StrategyID:    spec.ID,
		EarlyLaunch:   spec.EarlyLaunch,
		StopLossPct:   spec.StopLossPct,
		TakeProfitPct: spec.TakeProfitPct,
		Notional:      notional,
		Quantity:      qty,
	}, true
}
