package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"sanad/internal/core"
	"sanad/internal/llm"
)

// runSanad is stage 2: enrich the signal with on-chain evidence, apply the
// hard gates, then consult the deep oracle. The hard gates run before the
// LLM so nothing hard-blocked ever spends oracle budget; after the oracle
// returns, corroboration points are overridden from the engine-computed
// cross-source count and the recommendation is re-derived from the final
// trust score — neither is ever taken from the model verbatim.
func (p *Pipeline) runSanad(ctx context.Context, in Input, correlationID string) (SanadResult, error) {
	ev, err := p.enrich(ctx, in)
	if err != nil {
		return SanadResult{}, err
	}

	// Hard gates, pre-LLM.
	if ev.HoneypotVerdict == "HONEYPOT" {
		return SanadResult{Evidence: ev, HardBlocked: true, HardBlockReason: "honeypot detected"}, nil
	}
	if ev.RugpullVerdict == "RUG" || ev.RugpullVerdict == "BLACKLISTED" {
		return SanadResult{Evidence: ev, HardBlocked: true, HardBlockReason: "rugpull verdict " + ev.RugpullVerdict}, nil
	}
	if ev.SybilRisk == "CRITICAL" {
		return SanadResult{Evidence: ev, HardBlocked: true, HardBlockReason: "critical sybil risk"}, nil
	}

	raw, err := p.d.LLM.CompleteShared(ctx, "sanad:"+in.Signal.SignalID, p.d.Cfg.ColdPath.Model,
		sanadSystemPrompt, p.sanadUserPrompt(in, ev))
	if err != nil {
		return SanadResult{}, fmt.Errorf("sanad oracle: %w", err)
	}

	var resp llm.SanadResponse
	if err := llm.ExtractJSON(raw, &resp); err != nil {
		return SanadResult{}, err
	}
	if err := resp.Validate(); err != nil {
		return SanadResult{}, err
	}

	// Deterministic corroboration override.
	tier := in.CorroborationTier()
	points := corroborationPoints(tier)
	trust := clampScore(resp.TrustScore - resp.CorroborationPts + points)

	result := SanadResult{
		TrustScore:       trust,
		Grade:            grade(tier),
		Corroboration:    tier,
		CorroborationPts: points,
		RugpullFlags:     append(append([]string{}, resp.RugpullFlags...), ev.RugpullFlags...),
		SybilRisk:        maxSybil(resp.SybilRisk, ev.SybilRisk),
		Evidence:         ev,
		FromLLM:          true,
	}
	result.Recommendation = deriveRecommendation(result.TrustScore, result.RugpullFlags, p.d.Cfg.Sanad.MinimumTradeScore)
	return result, nil
}

// enrich fans the three on-chain lookups out on the shared worker pool and
// joins them. Individual lookup failures degrade to unknown evidence
// rather than failing the run: the gates that depend on each datum decide
// fail-closed on their own terms.
func (p *Pipeline) enrich(ctx context.Context, in Input) (OnChainEvidence, error) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
		ev OnChainEvidence
	)
	ev.TokenAgeHours = tokenAgeHours(in)

	run := func(task func()) {
		wg.Add(1)
		job := func() {
			defer wg.Done()
			task()
		}
		if p.d.Pool != nil {
			if err := p.d.Pool.Submit(job); err == nil {
				return
			}
		}
		go job()
	}

	chain, addr := in.Signal.Chain, in.Signal.TokenAddress
	run(func() {
		count, top10, err := p.d.Enricher.HolderAnalysis(ctx, chain, addr)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			p.logger.Warn("holder analysis failed", "token", addr, "error", err)
			return
		}
		ev.HolderCount = count
		ev.HolderTop10Pct = top10
	})
	run(func() {
		verdict, flagged, err := p.d.Enricher.HoneypotCheck(ctx, chain, addr)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			p.logger.Warn("honeypot check failed", "token", addr, "error", err)
			return
		}
		ev.HoneypotVerdict = verdict
		ev.SecurityFlags = append(ev.SecurityFlags, flagged...)
	})
	run(func() {
		verdict, flagged, sybil, err := p.d.Enricher.RugpullScan(ctx, chain, addr)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			p.logger.Warn("rugpull scan failed", "token", addr, "error", err)
			return
		}
		ev.RugpullVerdict = verdict
		ev.RugpullFlags = flagged
		ev.SybilRisk = sybil
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return ev, nil
	case <-ctx.Done():
		return ev, ctx.Err()
	}
}

func tokenAgeHours(in Input) float64 {
	// Age arrives pre-computed on the signal when the adapter knows it;
	// absent that the token-age gate fails closed downstream.
	return in.Signal.TokenAgeHours
}

// corroborationPoints maps the engine-computed tier onto deterministic
// trust-score points.
func corroborationPoints(tier core.CorroborationTier) int {
	switch tier {
	case core.CorroborationTawatur:
		return 25
	case core.CorroborationMashhur:
		return 18
	default:
		return 10
	}
}

func grade(tier core.CorroborationTier) string {
	switch tier {
	case core.CorroborationTawatur:
		return "Tawatur"
	case core.CorroborationMashhur:
		return "Mashhur"
	default:
		return "Ahad"
	}
}

// deriveRecommendation computes the recommendation from the final trust
// score plus hard-block flags.
func deriveRecommendation(trustScore int, rugpullFlags []string, minimumTradeScore int) string {
	for _, f := range rugpullFlags {
		lower := strings.ToLower(f)
		if strings.Contains(lower, "honeypot") || strings.Contains(lower, "mint_active") || strings.Contains(lower, "blacklist") {
			return "REJECT"
		}
	}
	switch {
	case trustScore < minimumTradeScore:
		return "REJECT"
	case trustScore < minimumTradeScore+15:
		return "CAUTION"
	default:
		return "PROCEED"
	}
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

var sybilRank = map[string]int{"": 0, "LOW": 1, "MEDIUM": 2, "HIGH": 3, "CRITICAL": 4}

func maxSybil(a, b string) string {
	if sybilRank[a] >= sybilRank[b] {
		if a == "" {
			return b
		}
		return a
	}
	return b
}

const sanadSystemPrompt = `You are a signal-credibility analyst. Evaluate the trading signal and its on-chain evidence. Respond with ONLY a JSON object: {"trust_score": 0-100, "grade": "...", "corroboration_level": "...", "corroboration_points": 0-30, "rugpull_flags": [...], "sybil_risk": "LOW|MEDIUM|HIGH|CRITICAL", "recommendation": "PROCEED|CAUTION|REJECT", "reasoning": "..."}`

func (p *Pipeline) sanadUserPrompt(in Input, ev OnChainEvidence) string {
	payload := map[string]interface{}{
		"token":              in.Signal.TokenAddress,
		"chain":              in.Signal.Chain,
		"source":             in.Signal.SourcePrimary,
		"signal_type":        in.Signal.SignalType,
		"thesis":             in.Signal.Thesis,
		"cross_sources":      in.CrossSources,
		"cross_source_count": in.CrossSourceCount,
		"volume_24h":         in.Signal.Volume24h,
		"liquidity_usd":      in.Signal.Liquidity,
		"holder_count":       ev.HolderCount,
		"holder_top10_pct":   ev.HolderTop10Pct,
		"honeypot_verdict":   ev.HoneypotVerdict,
		"rugpull_verdict":    ev.RugpullVerdict,
		"sybil_risk":         ev.SybilRisk,
	}
	data, _ := json.Marshal(payload)
	return string(data)
}
