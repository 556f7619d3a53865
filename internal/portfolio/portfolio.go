// Package portfolio tracks account-level aggregates: balance, peak
// balance, daily PnL, per-token allocation, and trade recency. The
// authoritative position rows live in the State Store; this package owns
// the derived aggregates the policy gates and exit rules consult, persisted
// as a single-writer JSON cache.
package portfolio

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"sanad/internal/core"
	"sanad/internal/flags"
)

// PositionStore is the narrow read view over open positions.
type PositionStore interface {
	GetOpenPositions(ctx context.Context) ([]core.Position, error)
}

type state struct {
	Mode          string            `json:"mode"`
	BalanceUSD    decimal.Decimal   `json:"balance_usd"`
	PeakBalance   decimal.Decimal   `json:"peak_balance_usd"`
	DailyPnL      decimal.Decimal   `json:"daily_pnl_usd"`
	DailyDate     string            `json:"daily_date"`
	LastTradeAt   map[string]string `json:"last_trade_at"`
	UpdatedAt     string            `json:"updated_at"`
}

// Tracker is the single writer of the portfolio aggregate state.
type Tracker struct {
	mu    sync.Mutex
	path  string
	store PositionStore
	clock core.Clock
	st    state
}

func NewTracker(path string, store PositionStore, clock core.Clock, startingBalance decimal.Decimal, mode string) *Tracker {
	if clock == nil {
		clock = core.RealClock{}
	}
	t := &Tracker{path: path, store: store, clock: clock}
	t.st = state{
		Mode:        mode,
		BalanceUSD:  startingBalance,
		PeakBalance: startingBalance,
		LastTradeAt: map[string]string{},
	}
	var onDisk state
	if err := flags.ReadJSON(path, &onDisk); err == nil && !onDisk.BalanceUSD.IsZero() {
		t.st = onDisk
		if t.st.LastTradeAt == nil {
			t.st.LastTradeAt = map[string]string{}
		}
	}
	return t
}

// Equity returns the current account balance.
func (t *Tracker) Equity() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st.BalanceUSD
}

// Mode returns the configured trading mode recorded with the portfolio.
func (t *Tracker) Mode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st.Mode
}

// DailyPnLPct returns today's realized PnL as a percent of balance,
// negative for losses. Rolls to zero at midnight UTC.
func (t *Tracker) DailyPnLPct() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDayLocked()
	if t.st.BalanceUSD.IsZero() {
		return 0
	}
	pct, _ := t.st.DailyPnL.Div(t.st.BalanceUSD).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// DrawdownPct returns the current drawdown from peak balance, in percent.
func (t *Tracker) DrawdownPct() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st.PeakBalance.IsZero() {
		return 0
	}
	dd := t.st.PeakBalance.Sub(t.st.BalanceUSD).Div(t.st.PeakBalance).Mul(decimal.NewFromInt(100))
	pct, _ := dd.Float64()
	if pct < 0 {
		return 0
	}
	return pct
}

// MemeAllocationPct returns the share of equity held, at entry notional, in
// open positions of the meme-momentum and early-launch strategies. Positions
// of other strategies are not counted, whatever the token's tier.
func (t *Tracker) MemeAllocationPct(ctx context.Context) (float64, error) {
	positions, err := t.store.GetOpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	total := decimal.Zero
	for _, p := range positions {
		if isMemeStrategy(p.Strategy) {
			total = total.Add(p.Size.Mul(p.EntryPrice))
		}
	}
	return t.pctOfEquity(total), nil
}

// SingleTokenPct returns the share of equity a proposed notional in token
// would occupy, existing exposure included.
func (t *Tracker) SingleTokenPct(ctx context.Context, tokenAddress string, proposedNotional decimal.Decimal) (float64, error) {
	positions, err := t.store.GetOpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	total := proposedNotional
	for _, p := range positions {
		if p.TokenAddress == tokenAddress {
			total = total.Add(p.Size.Mul(p.EntryPrice))
		}
	}
	return t.pctOfEquity(total), nil
}

// OpenPositionCount returns the live open-position count.
func (t *Tracker) OpenPositionCount(ctx context.Context) (int, error) {
	positions, err := t.store.GetOpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	return len(positions), nil
}

// LastTradeTimes returns the recorded last trade time per token address.
func (t *Tracker) LastTradeTimes() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.st.LastTradeAt))
	for token, ts := range t.st.LastTradeAt {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			out[token] = parsed
		}
	}
	return out
}

// RecordEntry notes a new open trade for cooldown tracking.
func (t *Tracker) RecordEntry(tokenAddress string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.LastTradeAt[tokenAddress] = at.UTC().Format(time.RFC3339Nano)
	return t.flushLocked()
}

// RecordClose applies a realized PnL to balance, peak, and daily counters.
func (t *Tracker) RecordClose(tokenAddress string, pnl decimal.Decimal, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDayLocked()
	t.st.BalanceUSD = t.st.BalanceUSD.Add(pnl)
	if t.st.BalanceUSD.GreaterThan(t.st.PeakBalance) {
		t.st.PeakBalance = t.st.BalanceUSD
	}
	t.st.DailyPnL = t.st.DailyPnL.Add(pnl)
	t.st.LastTradeAt[tokenAddress] = at.UTC().Format(time.RFC3339Nano)
	return t.flushLocked()
}

func (t *Tracker) pctOfEquity(notional decimal.Decimal) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st.BalanceUSD.IsZero() {
		return 0
	}
	pct, _ := notional.Div(t.st.BalanceUSD).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

func (t *Tracker) rollDayLocked() {
	today := t.clock.Now().UTC().Format("2006-01-02")
	if t.st.DailyDate != today {
		t.st.DailyDate = today
		t.st.DailyPnL = decimal.Zero
	}
}

func (t *Tracker) flushLocked() error {
	t.st.UpdatedAt = t.clock.Now().UTC().Format(time.RFC3339Nano)
	return flags.WriteJSONAtomic(t.path, t.st)
}

func isMemeStrategy(strategyID string) bool {
	switch strategyID {
	case "meme-momentum", "early-launch":
		return true
	}
	return false
}
