package pipeline

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"sanad/internal/core"
	"sanad/internal/feed"
	"sanad/internal/llm"
	"sanad/internal/profile"
)

// Input is the enriched signal the router hands the pipeline, together
// with the cross-cycle context only the router knows.
type Input struct {
	Signal           core.Signal
	CrossSources     []string // distinct sources mentioning this token in the window
	CrossSourceCount int
	RouterScore      int
	RegimeTag        string
	RegimeFactor     float64
	Venue            string // "CEX" | "DEX"
	Exchange         string
}

// CorroborationTier maps the engine-computed cross-source count onto the
// Tawatur/Mashhur/Ahad grading. This count, never the LLM's claim, is the
// authority on corroboration.
func (in Input) CorroborationTier() core.CorroborationTier {
	switch {
	case in.CrossSourceCount >= 3:
		return core.CorroborationTawatur
	case in.CrossSourceCount >= 2:
		return core.CorroborationMashhur
	default:
		return core.CorroborationAhad
	}
}

// OnChainEvidence is what the enrichment fan-out gathers before the Sanad
// oracle sees the signal.
type OnChainEvidence struct {
	HolderCount     int
	HolderTop10Pct  float64
	HoneypotVerdict string // "HONEYPOT" | "CLEAN" | "" (unknown)
	RugpullVerdict  string // "RUG" | "BLACKLISTED" | "CLEAN" | ""
	RugpullFlags    []string
	SybilRisk       string // "LOW" | "MEDIUM" | "HIGH" | "CRITICAL"
	SecurityFlags   []string
	LPLockedPct     *float64
	TokenAgeHours   float64
	MarketCap       decimal.Decimal
	FDV             decimal.Decimal
}

// Enricher gathers on-chain evidence for a signal. The concrete holder /
// honeypot / rugpull clients are external collaborators behind this one
// interface; the pipeline fans the three lookups out on its worker pool.
type Enricher interface {
	HolderAnalysis(ctx context.Context, chain, tokenAddress string) (holderCount int, top10Pct float64, err error)
	HoneypotCheck(ctx context.Context, chain, tokenAddress string) (verdict string, securityFlags []string, err error)
	RugpullScan(ctx context.Context, chain, tokenAddress string) (verdict string, flagged []string, sybilRisk string, err error)
	// SimulateSell runs the Gate 8 pre-flight: a simulated sell of qty on
	// the DEX router. reverts=true or a zero return blocks the trade.
	SimulateSell(ctx context.Context, chain, tokenAddress string, qty decimal.Decimal) (reverts bool, amountOut decimal.Decimal, err error)
}

// SanadResult is the outcome of stage 2 after deterministic overrides.
type SanadResult struct {
	TrustScore       int
	Grade            string
	Corroboration    core.CorroborationTier
	CorroborationPts int
	RugpullFlags     []string
	SybilRisk        string
	Recommendation   string // "PROCEED" | "CAUTION" | "REJECT"
	HardBlocked      bool
	HardBlockReason  string
	Evidence         OnChainEvidence
	FromLLM          bool
}

// DebateResult is the outcome of stage 5.
type DebateResult struct {
	Bull          llm.DebateResponse
	Bear          llm.DebateResponse
	Judge         llm.JudgeResponse
	PaperOverride bool // a paper-mode REJECT downgraded to REVISE, recorded
}

// StrategyResult is the outcome of stage 4.
type StrategyResult struct {
	StrategyID    string
	EarlyLaunch   bool
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	Notional      decimal.Decimal
	Quantity      decimal.Decimal
}

// Outcome is what the pipeline returns to the router: the persisted
// decision plus the opened position when the result was EXECUTE.
type Outcome struct {
	Decision  core.Decision
	Position  *core.Position
	FastTrack bool
}

// Quote re-exports the feed quote type the execute stage consumes.
type Quote = feed.ExchangeQuote

// stage names recorded in the decision's terminal_stage field.
const (
	StageIntake    = "INTAKE"
	StageSanad     = "SANAD_VERIFICATION"
	StageProfile   = "TOKEN_CLASSIFICATION"
	StageStrategy  = "STRATEGY_MATCH"
	StageDebate    = "DEBATE"
	StagePolicy    = "POLICY_ENGINE"
	StageExecute   = "EXECUTE"
	StageFastTrack = "FAST_TRACK"
)

// tierRequiredEvidence lists the bull-argument evidence fields each tier
// must produce; fewer than three present fields downgrades conviction.
var tierRequiredEvidence = map[profile.Tier][]string{
	profile.Tier1:     {"macro_context", "institutional_flow", "market_structure", "catalyst"},
	profile.Tier2:     {"tokenomics", "narrative", "unlock_schedule", "catalyst"},
	profile.Tier3:     {"onchain_flow", "holder_distribution", "liquidity_depth", "social_momentum"},
	profile.TierWhale: {"wallet_track_record", "position_size", "entry_behavior"},
}

const minEvidenceFields = 3

const insufficientEvidencePenalty = 20

// timing keys
const (
	timingTotal = "total"
)

func sinceMS(start time.Time, clock core.Clock) time.Duration {
	return clock.Now().Sub(start)
}
