package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sanad/internal/config"
	"sanad/internal/core"
	"sanad/internal/feed"
	"sanad/internal/oms"
	"sanad/internal/portfolio"
	"sanad/internal/store"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                     {}
func (noopLogger) Info(string, ...interface{})                      {}
func (noopLogger) Warn(string, ...interface{})                      {}
func (noopLogger) Error(string, ...interface{})                     {}
func (noopLogger) Fatal(string, ...interface{})                     {}
func (l noopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l noopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type env struct {
	mon    *Monitor
	store  *store.Store
	prices *feed.PriceCache
	clock  fixedClock
	cfg    *config.Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.System.DataDir = dir
	cfg.System.LeaseDir = filepath.Join(dir, "leases")
	cfg.System.KillSwitchFile = filepath.Join(dir, "kill_switch")
	cfg.Store.DBPath = filepath.Join(dir, "test.db")

	clock := fixedClock{at: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}
	st, err := store.Open(context.Background(), cfg.Store.DBPath, noopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	prices := feed.NewPriceCache("", clock)
	tracker := portfolio.NewTracker(filepath.Join(dir, "portfolio.json"), st, clock, decimal.NewFromInt(10_000), "paper")
	omsEngine := oms.New(st, nil, nil, noopLogger{}, clock, cfg.Risk, cfg.PolicyGates, nil)

	mon := New(cfg, st, omsEngine, prices, tracker, nil, nil, noopLogger{}, clock)
	return &env{mon: mon, store: st, prices: prices, clock: clock, cfg: cfg}
}

func (e *env) openPosition(t *testing.T, id, symbol, strategy string, entry float64, openedAt time.Time) core.Position {
	t.Helper()
	decision := core.Decision{
		DecisionID: "dec-" + id, SignalID: "sig-" + id, PolicyVersion: "v3",
		Result: core.DecisionExecute, TerminalStage: "EXECUTE", ReasonCode: "ok",
		CreatedAt: openedAt,
	}
	pos := core.Position{
		PositionID: id, Symbol: symbol, TokenAddress: symbol, Side: "LONG",
		Strategy: strategy, EntryPrice: decimal.NewFromFloat(entry),
		Size:        decimal.NewFromInt(100),
		StopLossPct: decimal.NewFromFloat(0.10), TakeProfitPct: decimal.NewFromFloat(0.25),
		OpenedAt:    openedAt,
	}
	saved, existed, err := e.store.TryOpenPositionAtomic(context.Background(), decision, pos)
	require.NoError(t, err)
	require.False(t, existed)
	return *saved
}

func (e *env) quote(symbol string, price float64, age time.Duration) {
	e.prices.Put(feed.ExchangeQuote{
		Symbol: symbol, Price: decimal.NewFromFloat(price),
		Volume24h: decimal.NewFromInt(1_000_000), DepthOK: true,
		Timestamp: e.clock.at.Add(-age),
	})
}

func (e *env) positionByID(t *testing.T, id string) *core.Position {
	t.Helper()
	open, err := e.store.GetOpenPositions(context.Background())
	require.NoError(t, err)
	for i := range open {
		if open[i].PositionID == id {
			return &open[i]
		}
	}
	return nil
}

func TestRunCycle_StopLossCloses(t *testing.T) {
	e := newEnv(t)
	e.openPosition(t, "p1", "WIFUSDT", "meme-momentum", 2.00, e.clock.at.Add(-time.Hour))
	e.quote("WIFUSDT", 1.70, time.Minute) // -15%, past the 10% stop

	require.NoError(t, e.mon.RunCycle(context.Background()))
	assert.Nil(t, e.positionByID(t, "p1"), "position should be closed")
}

func TestRunCycle_TakeProfitCloses(t *testing.T) {
	e := newEnv(t)
	e.openPosition(t, "p1", "WIFUSDT", "meme-momentum", 2.00, e.clock.at.Add(-time.Hour))
	e.quote("WIFUSDT", 2.60, time.Minute) // +30%, past the 25% target

	require.NoError(t, e.mon.RunCycle(context.Background()))
	assert.Nil(t, e.positionByID(t, "p1"))
}

func TestRunCycle_StalePriceCacheSkipsAllExits(t *testing.T) {
	e := newEnv(t)
	e.openPosition(t, "p1", "WIFUSDT", "meme-momentum", 2.00, e.clock.at.Add(-time.Hour))
	e.quote("WIFUSDT", 1.00, 20*time.Minute) // would close, but cache is stale

	require.NoError(t, e.mon.RunCycle(context.Background()))
	assert.NotNil(t, e.positionByID(t, "p1"), "stale prices must skip exit decisions")
}

func TestRunCycle_BreakevenRatchetTightensOnce(t *testing.T) {
	e := newEnv(t)
	e.openPosition(t, "p1", "WIFUSDT", "meme-momentum", 2.00, e.clock.at.Add(-time.Hour))
	e.quote("WIFUSDT", 2.18, time.Minute) // +9% >= 8% activation, below 25% TP

	require.NoError(t, e.mon.RunCycle(context.Background()))
	pos := e.positionByID(t, "p1")
	require.NotNil(t, pos)
	assert.True(t, pos.BreakevenRatcheted)
	assert.True(t, pos.StopLossPct.Equal(decimal.NewFromFloat(0.001)))

	// Monotonic: a later cycle at lower (still positive) gain never widens
	// the stop back out.
	e.quote("WIFUSDT", 2.05, time.Minute)
	require.NoError(t, e.mon.RunCycle(context.Background()))
	pos = e.positionByID(t, "p1")
	require.NotNil(t, pos)
	assert.True(t, pos.StopLossPct.Equal(decimal.NewFromFloat(0.001)), "ratchet never widens")
}

func TestRunCycle_TrailingStopTracksHighWaterMark(t *testing.T) {
	e := newEnv(t)
	e.openPosition(t, "p1", "WIFUSDT", "meme-momentum", 2.00, e.clock.at.Add(-time.Hour))

	// +20% activates trailing (activation 15%).
	e.quote("WIFUSDT", 2.40, time.Minute)
	require.NoError(t, e.mon.RunCycle(context.Background()))
	pos := e.positionByID(t, "p1")
	require.NotNil(t, pos)
	assert.True(t, pos.TrailingActive)
	assert.True(t, pos.HighWaterMark.Equal(decimal.NewFromFloat(2.40)))

	// Price pushes higher: HWM is non-decreasing.
	e.quote("WIFUSDT", 2.48, time.Minute)
	require.NoError(t, e.mon.RunCycle(context.Background()))
	pos = e.positionByID(t, "p1")
	require.NotNil(t, pos)
	assert.True(t, pos.HighWaterMark.Equal(decimal.NewFromFloat(2.48)))

	// 5% drop from HWM 2.48 = 2.356 closes.
	e.quote("WIFUSDT", 2.35, time.Minute)
	require.NoError(t, e.mon.RunCycle(context.Background()))
	assert.Nil(t, e.positionByID(t, "p1"))
}

func TestRunCycle_TimeExitUsesPaperMaxHold(t *testing.T) {
	e := newEnv(t)
	e.openPosition(t, "p1", "WIFUSDT", "meme-momentum", 2.00, e.clock.at.Add(-50*time.Hour))
	e.quote("WIFUSDT", 2.01, time.Minute) // no price-based exit

	require.NoError(t, e.mon.RunCycle(context.Background()))
	assert.Nil(t, e.positionByID(t, "p1"), "held 50h > paper 48h max")
}

func TestEmergencySellAll_ClosesMemePositionsOnly(t *testing.T) {
	e := newEnv(t)
	e.openPosition(t, "meme1", "WIFUSDT", "meme-momentum", 2.00, e.clock.at.Add(-time.Hour))
	e.openPosition(t, "meme2", "BONKUSDT", "early-launch", 0.25, e.clock.at.Add(-time.Hour))
	e.openPosition(t, "alt1", "LINKUSDT", "alt-narrative", 14.0, e.clock.at.Add(-time.Hour))
	e.quote("WIFUSDT", 2.00, time.Minute)
	e.quote("BONKUSDT", 0.25, time.Minute)
	e.quote("LINKUSDT", 14.0, time.Minute)

	require.NoError(t, e.mon.EmergencySellAll(context.Background(), "Flash crash: BTCUSDT -30%", true))

	assert.Nil(t, e.positionByID(t, "meme1"))
	assert.Nil(t, e.positionByID(t, "meme2"))
	assert.NotNil(t, e.positionByID(t, "alt1"), "non-meme positions survive a meme-only emergency")
}

func TestRunCycle_FlashCrashClosesAllMemes(t *testing.T) {
	e := newEnv(t)
	e.openPosition(t, "meme1", "WIFUSDT", "meme-momentum", 2.00, e.clock.at.Add(-time.Hour))
	e.openPosition(t, "meme2", "BONKUSDT", "early-launch", 0.25, e.clock.at.Add(-time.Hour))
	e.openPosition(t, "meme3", "PEPEUSDT", "meme-momentum", 0.01, e.clock.at.Add(-time.Hour))

	// BTCUSDT 95000 at t-15min, 66500 now: a 30% drop.
	e.prices.Put(feed.ExchangeQuote{
		Symbol: "BTCUSDT", Price: decimal.NewFromInt(95_000), DepthOK: true,
		Timestamp: e.clock.at.Add(-15 * time.Minute),
	})
	e.prices.Put(feed.ExchangeQuote{
		Symbol: "BTCUSDT", Price: decimal.NewFromInt(66_500), DepthOK: true,
		Timestamp: e.clock.at.Add(-time.Second),
	})
	e.quote("WIFUSDT", 2.00, time.Minute)
	e.quote("BONKUSDT", 0.25, time.Minute)
	e.quote("PEPEUSDT", 0.01, time.Minute)

	require.NoError(t, e.mon.RunCycle(context.Background()))

	open, err := e.store.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open, "all 3 meme positions closed on flash crash")
}

func TestComputePnL_NetOfFees(t *testing.T) {
	entry := decimal.NewFromFloat(2.00)
	exit := decimal.NewFromFloat(2.50)
	size := decimal.NewFromInt(100)

	pnl, fee := ComputePnL(entry, exit, size, 0.1)

	// Gross 50, fees 0.1% of 200 + 0.1% of 250 = 0.45.
	assert.True(t, fee.Equal(decimal.NewFromFloat(0.45)), fee.String())
	assert.True(t, pnl.Equal(decimal.NewFromFloat(49.55)), pnl.String())

	// Recomputation yields the identical row values.
	pnl2, fee2 := ComputePnL(entry, exit, size, 0.1)
	assert.True(t, pnl.Equal(pnl2))
	assert.True(t, fee.Equal(fee2))
}
