package router

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sanad/internal/config"
	"sanad/internal/core"
	"sanad/internal/feed"
	"sanad/internal/flags"
	"sanad/internal/ids"
	"sanad/internal/pipeline"
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

// recordingPipeline captures the inputs it was invoked with.
type recordingPipeline struct {
	inputs []pipeline.Input
	result core.DecisionResult
	err    error
	delay  time.Duration
}

func (r *recordingPipeline) Run(ctx context.Context, in pipeline.Input) (*pipeline.Outcome, error) {
	r.inputs = append(r.inputs, in)
	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.delay):
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	result := r.result
	if result == "" {
		result = core.DecisionExecute
	}
	return &pipeline.Outcome{Decision: core.Decision{
		DecisionID: "dec-1", SignalID: in.Signal.SignalID, Result: result,
	}}, nil
}

type fixedPortfolio struct {
	dailyPnL   float64
	lastTrades map[string]time.Time
}

func (f fixedPortfolio) DailyPnLPct() float64 { return f.dailyPnL }
func (f fixedPortfolio) LastTradeTimes() map[string]time.Time {
	if f.lastTrades == nil {
		return map[string]time.Time{}
	}
	return f.lastTrades
}

func writeSignals(t *testing.T, dir string, signals []feed.RawSignal) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(signals)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "latest.json"), data, 0o644))
}

func rawSignal(token string, volume float64, ts time.Time) feed.RawSignal {
	return feed.RawSignal{
		Token:        token,
		TokenAddress: token,
		Source:       "test",
		SignalType:   "TRENDING_GAINER",
		Thesis:       token + " breaking out across venues this session",
		Timestamp:    ts.UTC().Format(time.RFC3339),
		Volume24h:    volume,
		LiquidityUSD: 600_000,
		CEXListed:    true,
	}
}

func testEnv(t *testing.T, pipe Pipeline, pf PortfolioView) (*Router, *config.Config, fixedClock, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.System.DataDir = dir
	cfg.System.LeaseDir = filepath.Join(dir, "leases")
	cfg.System.PauseFlagFile = filepath.Join(dir, "router.pause")
	cfg.Router.FeedDirs = []string{filepath.Join(dir, "feeds", "coingecko"), filepath.Join(dir, "feeds", "birdeye")}
	cfg.Router.StateFile = filepath.Join(dir, "router_state.json")
	cfg.Store.DBPath = filepath.Join(dir, "test.db")

	clock := fixedClock{at: time.Now()}
	st, err := store.Open(context.Background(), cfg.Store.DBPath, noopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if pf == nil {
		pf = fixedPortfolio{}
	}
	r := New(cfg, pipe, st, pf, nil, noopLogger{}, clock)
	return r, cfg, clock, dir
}

func TestRunCycle_SelectsHighestScore(t *testing.T) {
	pipe := &recordingPipeline{}
	r, cfg, clock, _ := testEnv(t, pipe, nil)

	now := clock.at
	writeSignals(t, cfg.Router.FeedDirs[0], []feed.RawSignal{
		rawSignal("SMALL", 200_000, now.Add(-2*time.Minute)),
		rawSignal("DEEP", 20_000_000, now.Add(-2*time.Minute)),
	})

	require.NoError(t, r.RunCycle(context.Background()))
	require.Len(t, pipe.inputs, 1)
	assert.Equal(t, "DEEP", pipe.inputs[0].Signal.TokenAddress)
	assert.Greater(t, pipe.inputs[0].RouterScore, 0)
}

func TestRunCycle_CrossSourceAnnotation(t *testing.T) {
	pipe := &recordingPipeline{}
	r, cfg, clock, _ := testEnv(t, pipe, nil)

	now := clock.at
	writeSignals(t, cfg.Router.FeedDirs[0], []feed.RawSignal{rawSignal("WIF", 5_000_000, now.Add(-time.Minute))})
	writeSignals(t, cfg.Router.FeedDirs[1], []feed.RawSignal{rawSignal("WIF", 5_100_000, now.Add(-time.Minute))})

	require.NoError(t, r.RunCycle(context.Background()))
	require.Len(t, pipe.inputs, 1)
	assert.Equal(t, 2, pipe.inputs[0].CrossSourceCount)
	assert.Len(t, pipe.inputs[0].CrossSources, 2)
}

func TestRunCycle_StaleSignalsFiltered(t *testing.T) {
	pipe := &recordingPipeline{}
	r, cfg, clock, _ := testEnv(t, pipe, nil)

	writeSignals(t, cfg.Router.FeedDirs[0], []feed.RawSignal{
		rawSignal("OLD", 5_000_000, clock.at.Add(-2*time.Hour)),
	})

	require.NoError(t, r.RunCycle(context.Background()))
	assert.Empty(t, pipe.inputs)
}

func TestRunCycle_PauseFlagExitsEarly(t *testing.T) {
	pipe := &recordingPipeline{}
	r, cfg, clock, _ := testEnv(t, pipe, nil)

	require.NoError(t, flags.Flag{Path: cfg.System.PauseFlagFile}.Raise("operator pause"))
	writeSignals(t, cfg.Router.FeedDirs[0], []feed.RawSignal{rawSignal("WIF", 5_000_000, clock.at)})

	require.NoError(t, r.RunCycle(context.Background()))
	assert.Empty(t, pipe.inputs)
}

func TestRunCycle_DailyLossLimitSkipsAll(t *testing.T) {
	pipe := &recordingPipeline{}
	r, cfg, clock, _ := testEnv(t, pipe, fixedPortfolio{dailyPnL: -10})

	writeSignals(t, cfg.Router.FeedDirs[0], []feed.RawSignal{rawSignal("WIF", 5_000_000, clock.at)})

	require.NoError(t, r.RunCycle(context.Background()))
	assert.Empty(t, pipe.inputs)
}

func TestRunCycle_ProcessedSignalNotReplayed(t *testing.T) {
	pipe := &recordingPipeline{}
	r, cfg, clock, _ := testEnv(t, pipe, nil)

	writeSignals(t, cfg.Router.FeedDirs[0], []feed.RawSignal{rawSignal("WIF", 5_000_000, clock.at.Add(-time.Minute))})

	require.NoError(t, r.RunCycle(context.Background()))
	require.Len(t, pipe.inputs, 1)

	// Same signal content on the second cycle: already processed.
	require.NoError(t, r.RunCycle(context.Background()))
	assert.Len(t, pipe.inputs, 1)
}

func TestRunCycle_CooldownTokenFiltered(t *testing.T) {
	pipe := &recordingPipeline{}
	r, cfg, clock, _ := testEnv(t, pipe, nil)
	r.portfolio = fixedPortfolio{
		lastTrades: map[string]time.Time{"WIF": clock.at.Add(-10 * time.Minute)},
	}

	writeSignals(t, cfg.Router.FeedDirs[0], []feed.RawSignal{rawSignal("WIF", 5_000_000, clock.at.Add(-time.Minute))})

	require.NoError(t, r.RunCycle(context.Background()))
	assert.Empty(t, pipe.inputs)
}

func TestRunCycle_PipelineTimeoutRecordsSkip(t *testing.T) {
	pipe := &recordingPipeline{delay: 3 * time.Second}
	r, cfg, clock, _ := testEnv(t, pipe, nil)
	cfg.Router.PipelineTimeoutSeconds = 1

	writeSignals(t, cfg.Router.FeedDirs[0], []feed.RawSignal{rawSignal("WIF", 5_000_000, clock.at.Add(-time.Minute))})

	require.NoError(t, r.RunCycle(context.Background()))
	require.Len(t, pipe.inputs, 1)

	decisionID := ids.MakeDecisionID(pipe.inputs[0].Signal.SignalID, pipeline.PolicyVersion)
	d, err := r.store.GetDecision(context.Background(), decisionID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, core.DecisionSkip, d.Result)
	assert.Contains(t, d.ReasonCode, "timeout")
}

func TestRunCycle_DailyBudgetEnforced(t *testing.T) {
	pipe := &recordingPipeline{}
	r, cfg, clock, _ := testEnv(t, pipe, nil)
	cfg.Router.DailyRunBudget = 1

	writeSignals(t, cfg.Router.FeedDirs[0], []feed.RawSignal{rawSignal("WIF", 5_000_000, clock.at.Add(-time.Minute))})
	require.NoError(t, r.RunCycle(context.Background()))
	require.Len(t, pipe.inputs, 1)

	// Fresh signal, but the daily budget is spent.
	writeSignals(t, cfg.Router.FeedDirs[0], []feed.RawSignal{rawSignal("BONK", 5_000_000, clock.at.Add(-time.Minute))})
	require.NoError(t, r.RunCycle(context.Background()))
	assert.Len(t, pipe.inputs, 1)
}

func TestScore_PriorityHierarchy(t *testing.T) {
	now := time.Now()
	cexDeep := rawSignal("WIF", 20_000_000, now)
	dexThin := rawSignal("MOON", 50_000, now)
	dexThin.CEXListed = false

	assert.Greater(t, Score(cexDeep, time.Minute, false), Score(dexThin, time.Minute, false))

	// Corroboration is worth 30 points.
	base := Score(cexDeep, time.Minute, false)
	assert.Equal(t, base+30, Score(cexDeep, time.Minute, true))
}

func TestScore_BrandNewTokenPenalized(t *testing.T) {
	now := time.Now()
	young := rawSignal("PUP", 5_000_000, now)
	halfHour := 0.5
	young.TokenAgeHours = &halfHour

	mature := rawSignal("PUP", 5_000_000, now)
	week := 200.0
	mature.TokenAgeHours = &week

	assert.Greater(t, Score(mature, time.Minute, false), Score(young, time.Minute, false))
}

func TestScore_FloorsAtZero(t *testing.T) {
	now := time.Now()
	terrible := feed.RawSignal{
		Token: "SCAM", Source: "test", SignalType: "NEW_LISTING",
		Thesis: "x", Timestamp: now.UTC().Format(time.RFC3339),
		Volume24h: 1_000, CEXListed: false, RugFlags: []string{"mint_active"},
	}
	assert.Equal(t, 0, Score(terrible, 25*time.Minute, false))
}

func TestState_RollDayResetsCounters(t *testing.T) {
	st := NewState(filepath.Join(t.TempDir(), "state.json"))
	day1 := time.Date(2026, 7, 1, 23, 0, 0, 0, time.UTC)

	st.RollDay(day1)
	st.CountRun()
	st.MarkProcessed("sig-1")
	require.NoError(t, st.Save(day1))

	st.RollDay(day1.Add(2 * time.Hour)) // past midnight
	assert.Equal(t, 0, st.DailyRuns())
	assert.False(t, st.Processed("sig-1"))
}

func TestState_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	now := time.Now()

	st := NewState(path)
	st.RollDay(now)
	st.CountRun()
	st.MarkProcessed("sig-1")
	st.MarkRejected("WIF", now)
	require.NoError(t, st.Save(now))

	st2 := NewState(path)
	st2.Load()
	assert.Equal(t, 1, st2.DailyRuns())
	assert.True(t, st2.Processed("sig-1"))
	assert.True(t, st2.RecentlyRejected("WIF", now.Add(10*time.Minute), 30*time.Minute))
	assert.False(t, st2.RecentlyRejected("WIF", now.Add(40*time.Minute), 30*time.Minute))
}
