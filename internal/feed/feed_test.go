package feed

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sanad/internal/core"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                     {}
func (noopLogger) Info(string, ...interface{})                      {}
func (noopLogger) Warn(string, ...interface{})                      {}
func (noopLogger) Error(string, ...interface{})                     {}
func (noopLogger) Fatal(string, ...interface{})                     {}
func (l noopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l noopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

type stepClock struct{ at time.Time }

func (c *stepClock) Now() time.Time { return c.at }

func TestDirReader_LatestPicksNewestFile(t *testing.T) {
	dir := t.TempDir()
	reader := NewDirReader(dir, "birdeye", noopLogger{})
	now := time.Now()

	older := []RawSignal{{Token: "OLD", Source: "birdeye", Thesis: "old batch", Timestamp: now.Format(time.RFC3339)}}
	newer := []RawSignal{{Token: "NEW", Source: "birdeye", Thesis: "new batch", Timestamp: now.Format(time.RFC3339)}}

	writeFile := func(name string, signals []RawSignal, mtime time.Time) {
		data, err := json.Marshal(signals)
		require.NoError(t, err)
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0o644))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
	writeFile("batch1.json", older, now.Add(-time.Hour))
	writeFile("batch2.json", newer, now.Add(-time.Minute))

	signals, age, err := reader.Latest(now)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "NEW", signals[0].Token)
	assert.InDelta(t, time.Minute.Seconds(), age.Seconds(), 5)
}

func TestDirReader_MissingDirIsQuiet(t *testing.T) {
	reader := NewDirReader(filepath.Join(t.TempDir(), "absent"), "x", noopLogger{})
	signals, _, err := reader.Latest(time.Now())
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestRawSignal_ToSignalAssignsDeterministicID(t *testing.T) {
	raw := RawSignal{
		Token: "WIF", TokenAddress: "WIF", Chain: "solana", Source: "birdeye",
		SignalType: "MEME_GAINER", Thesis: "volume breakout across venues",
		Timestamp: time.Now().UTC().Format(time.RFC3339), Volume24h: 5_000_000,
	}
	a := raw.ToSignal()
	b := raw.ToSignal()
	assert.Equal(t, a.SignalID, b.SignalID)
	assert.NotEmpty(t, a.SignalID)

	// Volatile fields do not perturb the id.
	raw.Volume24h = 9_999_999
	rc := 44
	raw.RugcheckScore = &rc
	c := raw.ToSignal()
	assert.Equal(t, a.SignalID, c.SignalID)
}

func TestPriceCache_AgeAndFreshness(t *testing.T) {
	clock := &stepClock{at: time.Now()}
	cache := NewPriceCache("", clock)

	cache.Put(ExchangeQuote{Symbol: "BTCUSDT", Price: decimal.NewFromInt(95_000), Timestamp: clock.at.Add(-3 * time.Minute)})

	assert.InDelta(t, (3 * time.Minute).Seconds(), cache.Age("BTCUSDT", clock.at).Seconds(), 1)
	assert.Greater(t, cache.Age("UNKNOWN", clock.at).Hours(), float64(1_000_000), "missing symbols are infinitely stale")
}

func TestPriceCache_PriceAtWindowLookup(t *testing.T) {
	clock := &stepClock{at: time.Now()}
	cache := NewPriceCache("", clock)

	cache.Put(ExchangeQuote{Symbol: "BTCUSDT", Price: decimal.NewFromInt(95_000), Timestamp: clock.at.Add(-15 * time.Minute)})
	cache.Put(ExchangeQuote{Symbol: "BTCUSDT", Price: decimal.NewFromInt(66_500), Timestamp: clock.at})

	point, ok := cache.PriceAt("BTCUSDT", clock.at, 15*time.Minute, 5*time.Minute)
	require.True(t, ok)
	assert.True(t, point.Price.Equal(decimal.NewFromInt(95_000)))

	_, ok = cache.PriceAt("BTCUSDT", clock.at, 2*time.Hour, 10*time.Minute)
	assert.False(t, ok, "no observation within slack of the 2h target")
}

func TestPriceCache_SnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	clock := &stepClock{at: time.Now()}

	cache := NewPriceCache(path, clock)
	cache.Put(ExchangeQuote{Symbol: "SOLUSDT", Price: decimal.NewFromInt(150), Timestamp: clock.at})
	require.NoError(t, cache.Flush())

	reloaded := NewPriceCache(path, clock)
	q, ok := reloaded.Get("SOLUSDT")
	require.True(t, ok)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(150)))
}

func TestExchangeQuote_SpreadBps(t *testing.T) {
	q := ExchangeQuote{BidPrice: decimal.NewFromFloat(99.95), AskPrice: decimal.NewFromFloat(100.05)}
	assert.Equal(t, 10, q.SpreadBps())

	assert.Equal(t, 0, ExchangeQuote{}.SpreadBps(), "one-sided books report no spread")
}

func TestValidTokenAddress(t *testing.T) {
	// EIP-55 checksummed address (WETH).
	assert.True(t, ValidTokenAddress("ethereum", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"))
	// All-lowercase carries no checksum and is accepted.
	assert.True(t, ValidTokenAddress("ethereum", "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"))
	// Mangled mixed case fails the checksum.
	assert.False(t, ValidTokenAddress("ethereum", "0xc02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"))
	// Wrong length.
	assert.False(t, ValidTokenAddress("ethereum", "0x1234"))

	assert.True(t, ValidTokenAddress("solana", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"))
	assert.False(t, ValidTokenAddress("solana", "not-an-address!"))
}
