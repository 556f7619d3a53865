// Package profile classifies tokens into asset tiers and runs the pre-LLM
// meme safety gate. Classification is pure and
// deterministic: a profile in, a tier out, no I/O.
package profile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is the simplified asset class that determines eligible strategies,
// prompt templates, and veto rules.
type Tier string

const (
	TierSkip  Tier = "SKIP"
	Tier1     Tier = "TIER_1"
	Tier2     Tier = "TIER_2"
	Tier3     Tier = "TIER_3"
	TierWhale Tier = "WHALE"
)

// Detailed tiers produced by Classify before simplification.
const (
	DetailedStable    = "STABLE"
	DetailedTier1     = "TIER_1_MACRO"
	DetailedAltLarge  = "TIER_2_ALT_LARGE"
	DetailedAltMid    = "TIER_2_ALT_MID"
	DetailedAltSmall  = "TIER_2_ALT_SMALL"
	DetailedMemeCEX   = "TIER_3_MEME_CEX"
	DetailedMemeMid   = "TIER_3_MEME_MID"
	DetailedMemeMicro = "TIER_3_MEME_MICRO"
	DetailedMicro     = "TIER_3_MICRO"
	DetailedWhale     = "WHALE"
)

// TokenProfile is the classified view of a token: market
// structure, safety signals, and liquidity metrics assembled from the
// signal plus on-chain enrichment.
type TokenProfile struct {
	Symbol            string
	Chain             string
	TokenAddress      string
	MarketCap         decimal.Decimal
	FDV               decimal.Decimal
	LiquidityUSD      decimal.Decimal
	Volume24h         decimal.Decimal
	AgeDays           float64
	CEXListed         bool
	DEXOnly           bool
	Categories        []string
	RugcheckScore     int
	HolderTop10Pct    float64
	LPLockedPct       *float64
	HoneypotVerdict   string // "HONEYPOT" | "CLEAN" | ""
	RugpullVerdict    string // "RUG" | "BLACKLISTED" | "CLEAN" | ""
	SecurityFlags     []string
	WhaleSignal       bool

	DetailedTier string
	SimpleTier   Tier
}

// CirculatingFraction returns market cap over FDV, 1 when FDV is unknown.
func (p TokenProfile) CirculatingFraction() decimal.Decimal {
	if p.FDV.IsZero() {
		return decimal.NewFromInt(1)
	}
	return p.MarketCap.Div(p.FDV)
}

// MCToLiquidityRatio returns market cap over pool liquidity, 0 when
// liquidity is unknown.
func (p TokenProfile) MCToLiquidityRatio() decimal.Decimal {
	if p.LiquidityUSD.IsZero() {
		return decimal.Zero
	}
	return p.MarketCap.Div(p.LiquidityUSD)
}

func (p TokenProfile) hasSecurityFlag(flag string) bool {
	for _, f := range p.SecurityFlags {
		if f == flag {
			return true
		}
	}
	return false
}

var memePatternRe = regexp.MustCompile(`(inu|pepe|doge|dog|cat|wif|bonk|meme|trump|elon|moon|rocket|safe|baby|floki)`)

var stableKeywords = []string{"usd", "usdt", "usdc", "dai", "busd", "tusd", "frax"}

// Classify assigns the detailed tier, then the simplified tier. Meme
// detection runs before alt classification; a three-billion-dollar meme is
// still a meme.
func Classify(p *TokenProfile) {
	p.DetailedTier = classifyDetailed(*p)
	p.SimpleTier = Simplify(p.DetailedTier)
}

func classifyDetailed(p TokenProfile) string {
	if p.WhaleSignal {
		return DetailedWhale
	}

	symLower := strings.ToLower(p.Symbol)
	for _, kw := range stableKeywords {
		if strings.Contains(symLower, kw) {
			return DetailedStable
		}
	}

	mc := p.MarketCap
	twentyB := decimal.New(20, 9)
	if mc.GreaterThan(twentyB) {
		return DetailedTier1
	}

	isMeme := memePatternRe.MatchString(symLower)
	for _, cat := range p.Categories {
		switch strings.ToLower(cat) {
		case "meme", "meme token", "memecoin", "community":
			isMeme = true
		}
	}
	if isMeme {
		switch {
		case p.CEXListed && mc.GreaterThanOrEqual(decimal.New(100, 6)):
			return DetailedMemeCEX
		case mc.GreaterThanOrEqual(decimal.New(10, 6)):
			return DetailedMemeMid
		default:
			return DetailedMemeMicro
		}
	}

	if mc.LessThan(decimal.New(50, 6)) && p.DEXOnly && p.LiquidityUSD.LessThan(decimal.New(2, 6)) {
		return DetailedMicro
	}

	switch {
	case mc.GreaterThanOrEqual(decimal.New(5, 9)):
		return DetailedAltLarge
	case mc.GreaterThanOrEqual(decimal.New(200, 6)):
		return DetailedAltMid
	case mc.GreaterThanOrEqual(decimal.New(50, 6)):
		return DetailedAltSmall
	}

	if p.CEXListed {
		return DetailedAltSmall
	}
	return DetailedMicro
}

// Simplify maps a detailed tier onto the four-plus-skip strategy tiers.
func Simplify(detailed string) Tier {
	switch detailed {
	case DetailedStable:
		return TierSkip
	case DetailedTier1:
		return Tier1
	case DetailedAltLarge, DetailedAltMid, DetailedAltSmall:
		return Tier2
	case DetailedMemeCEX, DetailedMemeMid, DetailedMemeMicro, DetailedMicro:
		return Tier3
	case DetailedWhale:
		return TierWhale
	default:
		return Tier3 // unknown defaults to the most conservative analysis
	}
}

// MemeSafetyGate is the pre-LLM hard-block list for TIER_3 tokens. Returns
// ok=false and the block reason on the first violated rule. Non-TIER_3
// profiles pass unconditionally.
func MemeSafetyGate(p TokenProfile) (bool, string) {
	if p.SimpleTier != Tier3 {
		return true, ""
	}

	if p.HoneypotVerdict == "HONEYPOT" {
		return false, "Honeypot detected"
	}
	if p.RugpullVerdict == "RUG" || p.RugpullVerdict == "BLACKLISTED" {
		return false, fmt.Sprintf("Rugpull verdict: %s", p.RugpullVerdict)
	}
	for _, flag := range []string{"mint_active", "freeze_active", "honeypot"} {
		if p.hasSecurityFlag(flag) {
			return false, fmt.Sprintf("Security flag: %s", flag)
		}
	}
	if p.LPLockedPct != nil && *p.LPLockedPct < 50 {
		return false, fmt.Sprintf("LP locked <50%%: %.1f%%", *p.LPLockedPct)
	}
	if p.HolderTop10Pct > 60 {
		return false, fmt.Sprintf("Top 10 holders >60%%: %.1f%%", p.HolderTop10Pct)
	}
	if p.RugcheckScore > 0 && p.RugcheckScore < 30 {
		return false, fmt.Sprintf("RugCheck score <30: %d/100", p.RugcheckScore)
	}
	if ratio := p.MCToLiquidityRatio(); ratio.GreaterThan(decimal.NewFromInt(50)) {
		return false, fmt.Sprintf("MC/Liquidity ratio >50x: %sx", ratio.StringFixed(1))
	}
	if p.hasSecurityFlag("high_tax") {
		return false, "High tax detected (>10% buy or sell)"
	}
	return true, ""
}
