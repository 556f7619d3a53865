// Package strategy implements stage 4 of the pipeline: tier-constrained
// strategy selection via Thompson sampling over (strategy, regime)
// posteriors with a deterministic registry fallback, and Kelly-bounded
// position sizing. The bandit math follows its contract: sample
// from the Beta posterior, pick the max, update α/β post-trade.
package strategy

import (
	"context"
	"math"
	"math/rand"

	"github.com/shopspring/decimal"

	"sanad/internal/config"
	"sanad/internal/core"
	"sanad/internal/profile"
)

// Spec describes one registered strategy and its tier constraints.
type Spec struct {
	ID            string
	AllowedTiers  []profile.Tier
	MinLiquidity  decimal.Decimal
	MaxAgeDays    float64 // 0 = unbounded
	EarlyLaunch   bool    // exempts Gate 4 (token age)
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
}

// AllowsTier reports whether the strategy may trade the given tier.
func (s Spec) AllowsTier(t profile.Tier) bool {
	for _, a := range s.AllowedTiers {
		if a == t {
			return true
		}
	}
	return false
}

// Registry is the ordered strategy catalog. Order matters: the first
// eligible entry is the deterministic fallback when bandit state is
// unavailable.
type Registry struct {
	specs []Spec
}

// DefaultRegistry mirrors the strategy catalog the system ships with.
func DefaultRegistry(risk config.RiskConfig) *Registry {
	sl := decimal.NewFromFloat(risk.StopLossDefaultPct / 100)
	tp := decimal.NewFromFloat(risk.TakeProfitDefaultPct / 100)
	return &Registry{specs: []Spec{
		{ID: "macro-trend", AllowedTiers: []profile.Tier{profile.Tier1}, StopLossPct: sl, TakeProfitPct: tp},
		{ID: "alt-narrative", AllowedTiers: []profile.Tier{profile.Tier2}, MinLiquidity: decimal.New(200, 3), StopLossPct: sl, TakeProfitPct: tp},
		{ID: "meme-momentum", AllowedTiers: []profile.Tier{profile.Tier3}, MinLiquidity: decimal.New(50, 3), MaxAgeDays: 30, StopLossPct: decimal.NewFromFloat(0.15), TakeProfitPct: decimal.NewFromFloat(0.30)},
		{ID: "early-launch", AllowedTiers: []profile.Tier{profile.Tier3}, MinLiquidity: decimal.New(10, 3), MaxAgeDays: 1, EarlyLaunch: true, StopLossPct: decimal.NewFromFloat(0.20), TakeProfitPct: decimal.NewFromFloat(0.50)},
		{ID: "smart-money-follow", AllowedTiers: []profile.Tier{profile.TierWhale, profile.Tier2, profile.Tier3}, StopLossPct: sl, TakeProfitPct: tp},
	}}
}

// Eligible filters the catalog by tier, liquidity, and age constraints.
func (r *Registry) Eligible(p profile.TokenProfile) []Spec {
	var out []Spec
	for _, s := range r.specs {
		if !s.AllowsTier(p.SimpleTier) {
			continue
		}
		if !s.MinLiquidity.IsZero() && p.LiquidityUSD.LessThan(s.MinLiquidity) {
			continue
		}
		if s.MaxAgeDays > 0 && p.AgeDays > s.MaxAgeDays {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Get returns a spec by id.
func (r *Registry) Get(id string) (Spec, bool) {
	for _, s := range r.specs {
		if s.ID == id {
			return s, true
		}
	}
	return Spec{}, false
}

// BanditStore is the narrow posterior-state collaborator.
type BanditStore interface {
	GetBanditStat(ctx context.Context, strategyID, regimeTag string) (core.BanditStat, error)
}

// Selector picks an arm via Thompson sampling.
type Selector struct {
	registry *Registry
	store    BanditStore
	rng      *rand.Rand
	logger   core.ILogger
}

func NewSelector(registry *Registry, store BanditStore, rng *rand.Rand, logger core.ILogger) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Selector{registry: registry, store: store, rng: rng, logger: logger.WithField("component", "strategy_selector")}
}

// Select samples each eligible arm's Beta posterior for the regime and
// returns the arm with the highest draw. Any store fault falls back
// deterministically to the first eligible spec — selection never blocks a
// decision on bandit-state availability.
func (s *Selector) Select(ctx context.Context, p profile.TokenProfile, regimeTag string) (Spec, bool) {
	eligible := s.registry.Eligible(p)
	if len(eligible) == 0 {
		return Spec{}, false
	}

	best := eligible[0]
	bestDraw := -1.0
	for _, spec := range eligible {
		stat, err := s.store.GetBanditStat(ctx, spec.ID, regimeTag)
		if err != nil {
			s.logger.Warn("bandit stat unavailable, using registry fallback", "strategy", spec.ID, "error", err)
			return eligible[0], true
		}
		alpha, beta := stat.Alpha, stat.Beta
		if alpha <= 0 {
			alpha = 1
		}
		if beta <= 0 {
			beta = 1
		}
		draw := sampleBeta(s.rng, alpha, beta)
		if draw > bestDraw {
			bestDraw = draw
			best = spec
		}
	}
	return best, true
}

// sampleBeta draws from Beta(a, b) via two Gamma draws.
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	x := sampleGamma(rng, a)
	y := sampleGamma(rng, b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using Marsaglia-Tsang, boosting
// shape < 1 through the standard power transform.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
