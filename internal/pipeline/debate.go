package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"sanad/internal/llm"
	"sanad/internal/profile"
)

// runDebate is stage 5: the Bull and the Bear argue in parallel with
// tier-specific prompts, then the Judge rules on the transcript. Bull
// evidence completeness is validated against the tier's required fields;
// an incomplete case costs conviction. The Bear is never skipped — if its
// call fails, the whole run fails closed. The paper-mode override of a
// Judge REJECT lives here and only here.
func (p *Pipeline) runDebate(ctx context.Context, in Input, prof profile.TokenProfile, sanad SanadResult, correlationID string) (DebateResult, error) {
	var bull, bear llm.DebateResponse

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := p.d.LLM.Complete(gctx, p.d.Cfg.ColdPath.Model, bullSystemPrompt(prof.SimpleTier), p.debatePrompt(in, prof, sanad))
		if err != nil {
			return fmt.Errorf("bull: %w", err)
		}
		if err := llm.ExtractJSON(raw, &bull); err != nil {
			return fmt.Errorf("bull: %w", err)
		}
		return bull.Validate()
	})
	g.Go(func() error {
		raw, err := p.d.LLM.Complete(gctx, p.d.Cfg.ColdPath.Model, bearSystemPrompt(prof.SimpleTier), p.debatePrompt(in, prof, sanad))
		if err != nil {
			return fmt.Errorf("bear: %w", err)
		}
		if err := llm.ExtractJSON(raw, &bear); err != nil {
			return fmt.Errorf("bear: %w", err)
		}
		return bear.Validate()
	})
	if err := g.Wait(); err != nil {
		return DebateResult{}, err
	}

	if missing := missingEvidence(prof.SimpleTier, bull.Evidence); missing > 0 {
		bull.Conviction -= insufficientEvidencePenalty
		if bull.Conviction < 0 {
			bull.Conviction = 0
		}
		p.logger.Info("bull evidence incomplete, conviction downgraded",
			"tier", prof.SimpleTier, "missing_fields", missing, "conviction", bull.Conviction)
	}

	judge, err := p.runJudge(ctx, in, sanad, bull, bear)
	if err != nil {
		return DebateResult{}, err
	}

	result := DebateResult{Bull: bull, Bear: bear, Judge: judge}

	// Paper override: a REJECT below the catastrophic-confidence bar is
	// downgraded to REVISE in paper mode (the order is micro-sized at
	// execute). High-confidence REJECTs stand in every mode.
	if p.d.Cfg.Mode == "paper" && judge.Verdict == "REJECT" &&
		judge.Confidence < p.d.Cfg.ColdPath.CatastrophicConfidenceThreshold {
		result.Judge.Verdict = "REVISE"
		result.PaperOverride = true
		p.logger.Info("paper override: judge REJECT downgraded to REVISE",
			"confidence", judge.Confidence, "threshold", p.d.Cfg.ColdPath.CatastrophicConfidenceThreshold)
	}
	return result, nil
}

func (p *Pipeline) runJudge(ctx context.Context, in Input, sanad SanadResult, bull, bear llm.DebateResponse) (llm.JudgeResponse, error) {
	transcript := map[string]interface{}{
		"token":       in.Signal.TokenAddress,
		"thesis":      in.Signal.Thesis,
		"trust_score": sanad.TrustScore,
		"grade":       sanad.Grade,
		"bull":        bull,
		"bear":        bear,
	}
	data, _ := json.Marshal(transcript)

	raw, err := p.d.LLM.Complete(ctx, p.d.Cfg.ColdPath.JudgeModel, judgeSystemPrompt, string(data))
	if err != nil {
		return llm.JudgeResponse{}, fmt.Errorf("judge: %w", err)
	}
	var judge llm.JudgeResponse
	if err := llm.ExtractJSON(raw, &judge); err != nil {
		return llm.JudgeResponse{}, fmt.Errorf("judge: %w", err)
	}
	if err := judge.Validate(); err != nil {
		return llm.JudgeResponse{}, err
	}
	return judge, nil
}

// missingEvidence returns how many more of the tier's required evidence
// fields the bull needed to reach minEvidenceFields, zero when at least
// minEvidenceFields are present.
func missingEvidence(tier profile.Tier, evidence map[string]string) int {
	required := tierRequiredEvidence[tier]
	if len(required) == 0 {
		return 0
	}
	present := 0
	for _, field := range required {
		if v, ok := evidence[field]; ok && v != "" {
			present++
		}
	}
	if present >= minEvidenceFields {
		return 0
	}
	return minEvidenceFields - present
}

func (p *Pipeline) debatePrompt(in Input, prof profile.TokenProfile, sanad SanadResult) string {
	payload := map[string]interface{}{
		"token":              in.Signal.TokenAddress,
		"chain":              in.Signal.Chain,
		"tier":               prof.SimpleTier,
		"detailed_tier":      prof.DetailedTier,
		"thesis":             in.Signal.Thesis,
		"trust_score":        sanad.TrustScore,
		"grade":              sanad.Grade,
		"cross_source_count": in.CrossSourceCount,
		"market_cap":         prof.MarketCap,
		"liquidity_usd":      prof.LiquidityUSD,
		"volume_24h":         prof.Volume24h,
		"holder_top10_pct":   prof.HolderTop10Pct,
		"rugcheck_score":     prof.RugcheckScore,
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

// Tier-specific debate framing: macro for TIER_1, tokenomics for TIER_2,
// on-chain for TIER_3, smart-money for WHALE.
func bullSystemPrompt(tier profile.Tier) string {
	return "You argue FOR this trade. Focus: " + tierFocus(tier) + ` Respond with ONLY a JSON object: {"conviction": 0-100, "thesis": "...", "evidence": {` + tierEvidenceHint(tier) + `}, "risks": [...]}`
}

func bearSystemPrompt(tier profile.Tier) string {
	return "You argue AGAINST this trade. Focus: " + tierFocus(tier) + ` Attack the bull case. Respond with ONLY a JSON object: {"conviction": 0-100, "thesis": "...", "attack_points": [...], "risks": [...]}`
}

const judgeSystemPrompt = `You are the adversarial reviewer of a trade debate. Weigh the bull and bear cases against the verification evidence. Respond with ONLY a JSON object: {"verdict": "APPROVE|REJECT|REVISE", "confidence": 0-100, "reasoning": "..."}`

func tierFocus(tier profile.Tier) string {
	switch tier {
	case profile.Tier1:
		return "macro context, institutional flows, market structure."
	case profile.Tier2:
		return "tokenomics, unlock schedules, narrative positioning."
	case profile.Tier3:
		return "on-chain flows, holder distribution, liquidity depth, social momentum."
	case profile.TierWhale:
		return "the tracked wallet's record, position size, and entry behavior."
	default:
		return "fundamentals."
	}
}

func tierEvidenceHint(tier profile.Tier) string {
	fields := tierRequiredEvidence[tier]
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ", "
		}
		out += `"` + f + `": "..."`
	}
	return out
}
