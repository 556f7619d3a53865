package pipeline

import (
	"context"
	"fmt"
	"time"

	"sanad/internal/flags"
	"sanad/internal/policy"
	"sanad/internal/profile"
)

// evaluatePolicy assembles the Gate 1-15 inputs from the stage results and
// runtime state, then runs the policy engine. Assembly faults (portfolio
// state unreadable) surface as errors the caller maps to a fail-closed
// pre-gate BLOCK.
func (p *Pipeline) evaluatePolicy(ctx context.Context, in Input, prof profile.TokenProfile, sanad SanadResult, strat StrategyResult, debate DebateResult, quote Quote) (policy.Verdict, policy.Context, error) {
	now := p.clock.Now()
	paperMode := p.d.Cfg.Mode == "paper"

	memePct, err := p.d.Portfolio.MemeAllocationPct(ctx)
	if err != nil {
		return policy.Verdict{}, policy.Context{}, fmt.Errorf("meme allocation: %w", err)
	}
	singlePct, err := p.d.Portfolio.SingleTokenPct(ctx, in.Signal.TokenAddress, strat.Notional)
	if err != nil {
		return policy.Verdict{}, policy.Context{}, fmt.Errorf("single-token exposure: %w", err)
	}
	openCount, err := p.d.Portfolio.OpenPositionCount(ctx)
	if err != nil {
		return policy.Verdict{}, policy.Context{}, fmt.Errorf("open position count: %w", err)
	}

	gc := policy.Context{
		Now:                now,
		KillSwitchActive:   p.d.KillSwitch.Active(),
		DailyPnLPct:        p.d.Portfolio.DailyPnLPct(),
		CurrentDrawdownPct: p.d.Portfolio.DrawdownPct(),

		PriceTimestamp:         quote.Timestamp,
		RequiredAPIDataMissing: quote.Price.IsZero(),

		TokenAgeHours:       sanad.Evidence.TokenAgeHours,
		EarlyLaunchStrategy: strat.EarlyLaunch,

		HardRugpullFlag: hasHardFlag(sanad.RugpullFlags),
		SoftRugpullFlag: len(sanad.RugpullFlags) > 0 && !hasHardFlag(sanad.RugpullFlags),
		PaperMode:       paperMode,

		EstimatedSlippageBps: quote.SlippageBps,
		DepthInsufficient:    !quote.DepthOK,

		IsCEX:     in.Venue == "CEX",
		SpreadBps: quote.SpreadBps(),
		IsDEX:     in.Venue == "DEX",

		CurrentMemeAllocationPct: memePct,
		CurrentSingleTokenPct:    singlePct,
		ProposedSingleTokenPct:   singlePct,
		OpenPositionCount:        openCount,

		TokenAddress: in.Signal.TokenAddress,
		LastTradeAt:  p.d.Portfolio.LastTradeTimes(),

		TrustScore:      sanad.TrustScore,
		ConfidenceScore: debate.Judge.Confidence,
		JudgeVerdict:    debate.Judge.Verdict,
	}

	if p.d.Spend != nil {
		gc.DailyLLMSpendUSD = p.d.Spend.DailySpendUSD()
		gc.MonthlyLLMSpendUSD = p.d.Spend.MonthlySpendUSD()
	}

	// Gate 8 pre-flight, DEX only: a simulated sell of the intended size.
	if gc.IsDEX {
		reverts, out, err := p.d.Enricher.SimulateSell(ctx, in.Signal.Chain, in.Signal.TokenAddress, strat.Quantity)
		if err != nil {
			// Unknown simulation result is a failed simulation: fail closed.
			gc.SimulatedSellReverts = true
		} else {
			gc.SimulatedSellReverts = reverts
			gc.SimulatedSellReturnsZero = out.IsZero()
		}
	}

	// Gate 9 volatility: price change over the configured window against
	// the retained history, catalyst verification from corroboration.
	window := time.Duration(p.d.Cfg.PolicyGates.VolatilityHaltWindowMinutes) * time.Minute
	if past, ok := p.d.Prices.PriceAt(p.symbol(in), now, window, window/3); ok && !past.Price.IsZero() && !quote.Price.IsZero() {
		change := quote.Price.Sub(past.Price).Div(past.Price).InexactFloat64() * 100
		gc.RecentPriceChangePct = change
	}
	gc.VolatilityVerifiedCatalyst = in.CrossSourceCount >= 2

	// Gate 10 exchange health.
	if p.d.ExchangeHealth != nil {
		gc.ExchangeErrorRatePct = p.d.ExchangeHealth.ErrorRatePct()
		gc.WebsocketDisconnected = !p.d.ExchangeHealth.Connected()
	} else if !paperMode {
		gc.WebsocketDisconnected = true // no health source in live mode: fail closed
	}

	// Gate 11 reconciliation. Paper mode has no exchange balances; the
	// gate passes vacuously with a now-fresh timestamp.
	if paperMode {
		gc.LastReconciliationAt = now
	} else {
		var recon struct {
			LastRunAt string `json:"last_run_at"`
			Mismatch  bool   `json:"mismatch"`
		}
		if err := flags.ReadJSON(p.d.ReconciliationFile, &recon); err == nil {
			if ts, err := time.Parse(time.RFC3339Nano, recon.LastRunAt); err == nil {
				gc.LastReconciliationAt = ts
			}
			gc.ReconciliationMismatch = recon.Mismatch
		}
	}

	return p.d.Policy.Evaluate(ctx, gc), gc, nil
}

func hasHardFlag(rugpullFlags []string) bool {
	for _, f := range rugpullFlags {
		switch f {
		case "honeypot", "mint_active", "blacklisted", "freeze_active":
			return true
		}
	}
	return false
}
