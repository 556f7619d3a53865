package profile

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestClassify_Stablecoin(t *testing.T) {
	p := TokenProfile{Symbol: "USDT", MarketCap: decimal.New(100, 9)}
	Classify(&p)
	assert.Equal(t, DetailedStable, p.DetailedTier)
	assert.Equal(t, TierSkip, p.SimpleTier)
}

func TestClassify_MacroBluechip(t *testing.T) {
	p := TokenProfile{Symbol: "BTC", MarketCap: decimal.New(900, 9)}
	Classify(&p)
	assert.Equal(t, DetailedTier1, p.DetailedTier)
	assert.Equal(t, Tier1, p.SimpleTier)
}

func TestClassify_MemeBeatsMarketCap(t *testing.T) {
	// A three-billion-dollar meme is still a meme.
	p := TokenProfile{Symbol: "DOGE", MarketCap: decimal.New(3, 9), CEXListed: true}
	Classify(&p)
	assert.Equal(t, DetailedMemeCEX, p.DetailedTier)
	assert.Equal(t, Tier3, p.SimpleTier)
}

func TestClassify_MemeByCategory(t *testing.T) {
	p := TokenProfile{Symbol: "XYZ", MarketCap: decimal.New(30, 6), Categories: []string{"Meme Token"}}
	Classify(&p)
	assert.Equal(t, DetailedMemeMid, p.DetailedTier)
}

func TestClassify_AltTiersByMarketCap(t *testing.T) {
	cases := []struct {
		mc       decimal.Decimal
		expected string
	}{
		{decimal.New(8, 9), DetailedAltLarge},
		{decimal.New(900, 6), DetailedAltMid},
		{decimal.New(80, 6), DetailedAltSmall},
	}
	for _, tc := range cases {
		p := TokenProfile{Symbol: "QNT", MarketCap: tc.mc, CEXListed: true}
		Classify(&p)
		assert.Equal(t, tc.expected, p.DetailedTier, tc.mc.String())
	}
}

func TestClassify_MicroCapDEXOnly(t *testing.T) {
	p := TokenProfile{
		Symbol: "TINY", MarketCap: decimal.New(2, 6), DEXOnly: true,
		LiquidityUSD: decimal.New(100, 3),
	}
	Classify(&p)
	assert.Equal(t, DetailedMicro, p.DetailedTier)
	assert.Equal(t, Tier3, p.SimpleTier)
}

func TestClassify_WhaleSignalOverrides(t *testing.T) {
	p := TokenProfile{Symbol: "ABC", WhaleSignal: true, MarketCap: decimal.New(900, 9)}
	Classify(&p)
	assert.Equal(t, TierWhale, p.SimpleTier)
}

func TestMemeSafetyGate_NonTier3Passes(t *testing.T) {
	p := TokenProfile{Symbol: "BTC", SimpleTier: Tier1, HoneypotVerdict: "HONEYPOT"}
	ok, _ := MemeSafetyGate(p)
	assert.True(t, ok, "gate only applies to TIER_3")
}

func TestMemeSafetyGate_HardBlocks(t *testing.T) {
	lpLow := 30.0
	cases := []struct {
		name string
		p    TokenProfile
	}{
		{"honeypot", TokenProfile{SimpleTier: Tier3, HoneypotVerdict: "HONEYPOT"}},
		{"rug verdict", TokenProfile{SimpleTier: Tier3, RugpullVerdict: "RUG"}},
		{"mint active", TokenProfile{SimpleTier: Tier3, SecurityFlags: []string{"mint_active"}}},
		{"lp unlock", TokenProfile{SimpleTier: Tier3, LPLockedPct: &lpLow}},
		{"holder concentration", TokenProfile{SimpleTier: Tier3, HolderTop10Pct: 75}},
		{"rugcheck score", TokenProfile{SimpleTier: Tier3, RugcheckScore: 20}},
		{"mc to liquidity", TokenProfile{SimpleTier: Tier3, MarketCap: decimal.New(100, 6), LiquidityUSD: decimal.New(1, 6)}},
		{"high tax", TokenProfile{SimpleTier: Tier3, SecurityFlags: []string{"high_tax"}}},
	}
	for _, tc := range cases {
		ok, reason := MemeSafetyGate(tc.p)
		assert.False(t, ok, tc.name)
		assert.NotEmpty(t, reason, tc.name)
	}
}

func TestMemeSafetyGate_CleanTier3Passes(t *testing.T) {
	lp := 90.0
	p := TokenProfile{
		SimpleTier: Tier3, HoneypotVerdict: "CLEAN", RugpullVerdict: "CLEAN",
		LPLockedPct: &lp, HolderTop10Pct: 30, RugcheckScore: 80,
		MarketCap: decimal.New(20, 6), LiquidityUSD: decimal.New(1, 6),
	}
	ok, reason := MemeSafetyGate(p)
	assert.True(t, ok, reason)
}
