package pipeline

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"sanad/internal/core"
	"sanad/internal/llm"
	"sanad/internal/profile"
)

// fastTrackVolumeFloor is the 24h-volume bar below which the deterministic
// shortcut does not apply.
var fastTrackVolumeFloor = decimal.NewFromInt(1_000_000)

const fastTrackMinRouterScore = 60

// fastTrackEligible decides whether the deterministic shortcut applies:
// paper mode (or the operator fast-path flag), cross-source count >= 2,
// Tier 1/2 classification, deep volume, a strong router score, and no
// rugpull flags from the enricher's rugpull scan.
func (p *Pipeline) fastTrackEligible(ctx context.Context, in Input) bool {
	if p.d.Cfg.Mode != "paper" && !p.d.FastPath.Set() {
		return false
	}
	if in.CrossSourceCount < 2 {
		return false
	}
	if in.RouterScore < fastTrackMinRouterScore {
		return false
	}
	if in.Signal.Volume24h.LessThan(fastTrackVolumeFloor) {
		return false
	}
	if p.d.Enricher == nil {
		return false
	}
	verdict, flagged, _, err := p.d.Enricher.RugpullScan(ctx, in.Signal.Chain, in.Signal.TokenAddress)
	if err != nil || len(flagged) > 0 || verdict == "RUG" || verdict == "BLACKLISTED" {
		return false
	}

	prof := p.buildProfile(in, OnChainEvidence{TokenAgeHours: in.Signal.TokenAgeHours})
	switch prof.DetailedTier {
	case profile.DetailedTier1, profile.DetailedAltLarge, profile.DetailedAltMid:
	default:
		return false
	}
	return true
}

// runFastTrack bypasses the Sanad oracle, the debate, and the Judge with
// deterministic stand-ins, then runs strategy match, all fifteen policy
// gates, and the normal execute path. No oracle spend on this path.
func (p *Pipeline) runFastTrack(ctx context.Context, in Input, decisionID, correlationID string, timings map[string]time.Duration) (*Outcome, error) {
	stageStart := p.clock.Now()

	tier := in.CorroborationTier()
	sanad := SanadResult{
		TrustScore:       clampScore(60 + corroborationPoints(tier)),
		Grade:            grade(tier),
		Corroboration:    tier,
		CorroborationPts: corroborationPoints(tier),
		Recommendation:   "PROCEED",
		Evidence:         OnChainEvidence{TokenAgeHours: in.Signal.TokenAgeHours},
	}

	prof := p.buildProfile(in, sanad.Evidence)
	if ok, reason := profile.MemeSafetyGate(prof); !ok {
		return p.blockHard(ctx, in, decisionID, correlationID, StageFastTrack, "meme safety gate: "+reason, sanad)
	}

	strat, ok := p.matchStrategy(ctx, in, prof)
	if !ok {
		return p.skip(ctx, in, decisionID, correlationID, StageFastTrack, "no eligible strategy on fast-track", sanad)
	}

	debate := DebateResult{
		Bull:  llm.DebateResponse{Conviction: 60, Thesis: "Fast-track: corroborated Tier 1/2 signal"},
		Bear:  llm.DebateResponse{Conviction: 40},
		Judge: llm.JudgeResponse{Verdict: "APPROVE", Confidence: 75, Reasoning: "Fast-track: corroborated Tier 1/2 signal"},
	}

	quote, _ := p.d.Prices.Get(p.symbol(in))
	verdict, gateCtx, err := p.evaluatePolicy(ctx, in, prof, sanad, strat, debate, quote)
	if err != nil {
		return p.block(ctx, in, decisionID, correlationID, StageFastTrack, "policy state unavailable on fast-track", 0, "STATE_MISSING", &sanad)
	}
	timings[StageFastTrack] = sinceMS(stageStart, p.clock)

	if verdict.Result != core.DecisionExecute {
		out := p.decisionFromVerdict(in, decisionID, correlationID, verdict, sanad, debate)
		out.FastTrack = true
		out.Decision.Packet["fast_track"] = true
		if err := p.d.Store.InsertDecision(ctx, out.Decision); err != nil {
			return nil, err
		}
		return out, nil
	}

	out, err := p.execute(ctx, in, prof, sanad, strat, debate, verdict, gateCtx, quote, decisionID, correlationID)
	if out != nil {
		out.FastTrack = true
		if out.Decision.Packet != nil {
			out.Decision.Packet["fast_track"] = true
		}
	}
	return out, err
}
