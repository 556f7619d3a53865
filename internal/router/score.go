package router

import (
	"time"

	"sanad/internal/feed"
)

// Score is the deterministic weighted formula over listing status, volume,
// liquidity, corroboration, holder fundamentals, momentum, and source type.
// Weights encode a priority hierarchy: executability first (CEX listing),
// then sizing capacity (volume/liquidity), then conviction (corroboration),
// then fundamentals and measured momentum. Floored at zero.
func Score(s feed.RawSignal, sourceAge time.Duration, crossSource bool) int {
	score := 0

	// Listing status: tradeable on a real order book or not.
	if s.CEXListed {
		score += 40
	} else {
		score -= 10
	}

	// Volume.
	switch vol := s.Volume24h; {
	case vol > 10_000_000:
		score += 30
	case vol > 5_000_000:
		score += 25
	case vol > 1_000_000:
		score += 20
	case vol > 500_000:
		score += 10
	case vol > 100_000:
		score += 5
	default:
		score -= 10
	}

	// Liquidity.
	switch {
	case s.LiquidityUSD > 500_000:
		score += 10
	case s.LiquidityUSD > 200_000:
		score += 5
	}

	// Cross-source corroboration.
	if crossSource {
		score += 30
	}

	// Token age: maturity is safety.
	if s.TokenAgeHours != nil {
		switch age := *s.TokenAgeHours; {
		case age < 1:
			score -= 30
		case age < 6:
			score -= 15
		case age < 24:
			score -= 5
		case age > 720:
			score += 15
		case age > 168:
			score += 10
		}
	}

	// Holder distribution.
	if s.Top10HolderPct != nil && *s.Top10HolderPct > 0 {
		switch top10 := *s.Top10HolderPct; {
		case top10 < 25:
			score += 10
		case top10 < 40:
			score += 5
		case top10 > 70:
			score -= 25
		case top10 > 50:
			score -= 10
		}
	}

	// Holder count.
	switch {
	case s.HolderCount > 5000:
		score += 10
	case s.HolderCount > 1000:
		score += 5
	case s.HolderCount > 0 && s.HolderCount < 100:
		score -= 15
	}

	// Rug flags penalty: only flags that reflect an actual check.
	if hasRealRugFlag(s.RugFlags) {
		score -= 25
	}

	if s.SmartMoneySignal {
		score += 20
	}

	// Momentum: healthy beats parabolic.
	momentum := s.PriceChange1hPct
	if momentum == 0 {
		momentum = s.PriceChange24hPct / 4
	}
	switch {
	case momentum >= 5 && momentum <= 15:
		score += 15
	case momentum > 15 && momentum <= 50:
		score += 10
	case momentum > 50 && momentum <= 100:
		score += 5
	case momentum > 1000:
		score -= 25
	case momentum > 100:
		score -= 10
	}

	if s.BuySellRatio > 2.0 {
		score += 10
	} else if s.BuySellRatio > 1.5 {
		score += 5
	}

	// Source type.
	switch s.SignalType {
	case "MEME_GAINER", "TRENDING", "TRENDING_GAINER", "MAJOR_GAINER":
		score += 10
	case "BOOSTED_TOKEN":
		score += 5 // paid boosts are questionable
	case "COMMUNITY_TAKEOVER":
		score += 5
	}

	// Signal recency.
	switch {
	case sourceAge < 10*time.Minute:
		score += 5
	case sourceAge < 20*time.Minute:
		score += 3
	}

	if score < 0 {
		return 0
	}
	return score
}

func hasRealRugFlag(rugFlags []string) bool {
	if len(rugFlags) == 0 {
		return false
	}
	for _, f := range rugFlags {
		if f != "not_checked" && f != "not_enriched" {
			return true
		}
	}
	return false
}
