package feed

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"sanad/internal/core"
	"sanad/internal/flags"
)

// ExchangeQuote is the normalized price view an exchange or aggregator
// adapter delivers: enough for the pipeline's gates and the
// monitor's exit rules without exposing any venue-specific shape.
type ExchangeQuote struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	BidPrice     decimal.Decimal `json:"bid_price"`
	AskPrice     decimal.Decimal `json:"ask_price"`
	Volume24h    decimal.Decimal `json:"volume_24h"`
	SlippageBps  int             `json:"slippage_bps"`
	DepthOK      bool            `json:"depth_ok"`
	Timestamp    time.Time       `json:"timestamp"`
}

// SpreadBps returns the bid/ask spread in basis points of the mid, zero
// when the book is one-sided or absent.
func (q ExchangeQuote) SpreadBps() int {
	if q.BidPrice.IsZero() || q.AskPrice.IsZero() {
		return 0
	}
	mid := q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return 0
	}
	spread := q.AskPrice.Sub(q.BidPrice).Div(mid).Mul(decimal.NewFromInt(10000))
	bps, _ := spread.Float64()
	return int(bps)
}

// PriceCache is the shared symbol→quote cache. One writer (the price
// stream or a poller) refreshes it; the monitor, heartbeat, and pipeline
// read it. A JSON snapshot is persisted so independent worker processes
// observe the same prices without each holding a stream.
type PriceCache struct {
	mu       sync.RWMutex
	quotes   map[string]ExchangeQuote
	history  map[string][]PricePoint
	snapshot string
	clock    core.Clock
}

// PricePoint is one retained observation for flash-crash and momentum
// windows.
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Timestamp time.Time       `json:"timestamp"`
}

const historyRetention = 4 * time.Hour

func NewPriceCache(snapshotPath string, clock core.Clock) *PriceCache {
	if clock == nil {
		clock = core.RealClock{}
	}
	c := &PriceCache{
		quotes:   make(map[string]ExchangeQuote),
		history:  make(map[string][]PricePoint),
		snapshot: snapshotPath,
		clock:    clock,
	}
	c.load()
	return c
}

// Put records a fresh quote and appends to the symbol's history window.
func (c *PriceCache) Put(q ExchangeQuote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q.Timestamp.IsZero() {
		q.Timestamp = c.clock.Now()
	}
	c.quotes[q.Symbol] = q

	hist := append(c.history[q.Symbol], PricePoint{Price: q.Price, Volume24h: q.Volume24h, Timestamp: q.Timestamp})
	cutoff := c.clock.Now().Add(-historyRetention)
	for len(hist) > 0 && hist[0].Timestamp.Before(cutoff) {
		hist = hist[1:]
	}
	c.history[q.Symbol] = hist
}

// Get returns the cached quote and whether one exists.
func (c *PriceCache) Get(symbol string) (ExchangeQuote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	return q, ok
}

// Age returns how stale the cached quote for symbol is; a missing symbol
// reports an effectively infinite age so freshness gates fail closed.
func (c *PriceCache) Age(symbol string, now time.Time) time.Duration {
	q, ok := c.Get(symbol)
	if !ok || q.Timestamp.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(q.Timestamp)
}

// OldestAge returns the staleness of the most stale quote among symbols;
// the monitor uses this for its cycle-wide freshness precondition.
func (c *PriceCache) OldestAge(symbols []string, now time.Time) time.Duration {
	var oldest time.Duration
	for _, s := range symbols {
		if age := c.Age(s, now); age > oldest {
			oldest = age
		}
	}
	return oldest
}

// PriceAt returns the retained price closest to the requested lookback,
// accepting observations within slack of the target. Used by flash-crash
// and momentum-decay windows.
func (c *PriceCache) PriceAt(symbol string, now time.Time, lookback, slack time.Duration) (PricePoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	target := now.Add(-lookback)
	var best PricePoint
	var bestDelta time.Duration = 1<<62 - 1
	for _, p := range c.history[symbol] {
		delta := p.Timestamp.Sub(target)
		if delta < 0 {
			delta = -delta
		}
		if delta < bestDelta {
			bestDelta = delta
			best = p
		}
	}
	if bestDelta > slack {
		return PricePoint{}, false
	}
	return best, true
}

// Symbols returns every symbol with a cached quote.
func (c *PriceCache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.quotes))
	for s := range c.quotes {
		out = append(out, s)
	}
	return out
}

// Flush persists the cache snapshot for other worker processes.
func (c *PriceCache) Flush() error {
	if c.snapshot == "" {
		return nil
	}
	c.mu.RLock()
	state := struct {
		Quotes  map[string]ExchangeQuote `json:"quotes"`
		History map[string][]PricePoint  `json:"history"`
	}{c.quotes, c.history}
	c.mu.RUnlock()
	return flags.WriteJSONAtomic(c.snapshot, state)
}

func (c *PriceCache) load() {
	if c.snapshot == "" {
		return
	}
	var state struct {
		Quotes  map[string]ExchangeQuote `json:"quotes"`
		History map[string][]PricePoint  `json:"history"`
	}
	if err := flags.ReadJSON(c.snapshot, &state); err != nil {
		return
	}
	if state.Quotes != nil {
		c.quotes = state.Quotes
	}
	if state.History != nil {
		c.history = state.History
	}
}
