package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sanad/internal/config"
	"sanad/internal/core"
	"sanad/internal/flags"
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

// recordingRunner observes kill/run actions without touching processes.
type recordingRunner struct {
	mu    sync.Mutex
	kills []string
	runs  [][]string
}

func (r *recordingRunner) Kill(pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kills = append(r.kills, pattern)
	return nil
}

func (r *recordingRunner) Run(_ context.Context, cmd []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, cmd)
	return nil
}

type env struct {
	wd     *Watchdog
	store  *store.Store
	runner *recordingRunner
	cfg    *config.Config
	clock  fixedClock
	target Watched
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.System.DataDir = dir
	cfg.System.LeaseDir = filepath.Join(dir, "leases")
	cfg.System.FastPathFlagFile = filepath.Join(dir, "fast_path")
	cfg.System.PauseFlagFile = filepath.Join(dir, "router.pause")
	cfg.Store.DBPath = filepath.Join(dir, "test.db")

	st, err := store.Open(context.Background(), cfg.Store.DBPath, noopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := fixedClock{at: time.Now()}
	runner := &recordingRunner{}
	target := Watched{
		Name:           "signal_router",
		ProcessPattern: "sanad-router",
		LockFile:       filepath.Join(dir, "router.lock"),
		LeaseTTL:       5 * time.Minute,
		ForceRunCmd:    []string{"sanad-router", "--once"},
		FastPathFlag:   cfg.System.FastPathFlagFile,
		PauseFlag:      cfg.System.PauseFlagFile,
	}
	wd := New(cfg, st, nil, runner, []Watched{target}, noopLogger{}, clock)
	return &env{wd: wd, store: st, runner: runner, cfg: cfg, clock: clock, target: target}
}

func (e *env) freshLease(t *testing.T) {
	t.Helper()
	lease := flags.LeaseFile{Dir: e.cfg.System.LeaseDir, Owner: "signal_router"}
	require.NoError(t, lease.Start(120, e.clock.at))
}

func (e *env) tier(t *testing.T) int {
	t.Helper()
	attempt, err := e.store.GetWatchdogAttempt(context.Background(), "signal_router")
	require.NoError(t, err)
	return attempt.Tier
}

func TestRunCycle_HealthyLeaseNoAction(t *testing.T) {
	e := newEnv(t)
	e.freshLease(t)

	require.NoError(t, e.wd.RunCycle(context.Background()))
	assert.Empty(t, e.runner.kills)
	assert.Equal(t, 0, e.tier(t))
}

func TestRunCycle_EscalationLadderPersistsAcrossCycles(t *testing.T) {
	e := newEnv(t)
	// No lease, no output: unhealthy every cycle.

	require.NoError(t, e.wd.RunCycle(context.Background()))
	assert.Equal(t, Tier1, e.tier(t))
	assert.Len(t, e.runner.kills, 1)

	require.NoError(t, e.wd.RunCycle(context.Background()))
	assert.Equal(t, Tier2, e.tier(t))
	require.Len(t, e.runner.runs, 1)
	assert.Equal(t, []string{"sanad-router", "--once"}, e.runner.runs[0])

	require.NoError(t, e.wd.RunCycle(context.Background()))
	assert.Equal(t, Tier3, e.tier(t))
	assert.True(t, flags.Flag{Path: e.cfg.System.FastPathFlagFile}.Set(), "tier 3 raises the fast-path flag")

	require.NoError(t, e.wd.RunCycle(context.Background()))
	assert.Equal(t, Tier35, e.tier(t))
	diags, err := filepath.Glob(filepath.Join(e.cfg.System.DataDir, "diagnostics", "*.json"))
	require.NoError(t, err)
	assert.Len(t, diags, 1, "tier 3.5 ships a diagnostic package")

	var esc struct {
		Pending  bool   `json:"pending"`
		Deadline string `json:"deadline"`
	}
	require.NoError(t, flags.ReadJSON(filepath.Join(e.cfg.System.DataDir, "escalation.json"), &esc))
	assert.True(t, esc.Pending)

	require.NoError(t, e.wd.RunCycle(context.Background()))
	assert.Equal(t, Tier4, e.tier(t))
	assert.True(t, flags.Flag{Path: e.cfg.System.PauseFlagFile}.Set(), "tier 4 pauses the component")
}

func TestRunCycle_RecoveryResetsLadderAndClearsFlags(t *testing.T) {
	e := newEnv(t)

	// Escalate three tiers.
	for i := 0; i < 3; i++ {
		require.NoError(t, e.wd.RunCycle(context.Background()))
	}
	require.Equal(t, Tier3, e.tier(t))

	// Component comes back.
	e.freshLease(t)
	require.NoError(t, e.wd.RunCycle(context.Background()))
	assert.Equal(t, 0, e.tier(t), "observed health resets the ladder")
	assert.False(t, flags.Flag{Path: e.cfg.System.FastPathFlagFile}.Set())
}

func TestRunCycle_FreshOutputCountsAsHealthy(t *testing.T) {
	e := newEnv(t)
	out := filepath.Join(e.cfg.System.DataDir, "router_state.json")
	require.NoError(t, os.WriteFile(out, []byte("{}"), 0o644))
	e.target.OutputGlob = out
	e.wd.watched = []Watched{e.target}

	require.NoError(t, e.wd.RunCycle(context.Background()))
	assert.Equal(t, 0, e.tier(t), "fresh output compensates for a stale lease")
}

func TestRunCycle_BothStaleQueuesReset(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.wd.RunCycle(context.Background()))

	var req map[string]string
	require.NoError(t, flags.ReadJSON(filepath.Join(e.cfg.System.DataDir, "reset_queue", "signal_router.json"), &req))
	assert.Equal(t, "signal_router", req["component"])
}

func TestRunCycle_SweepsStaleLocks(t *testing.T) {
	e := newEnv(t)
	e.freshLease(t)

	lockPath := filepath.Join(e.cfg.System.DataDir, "orphan.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("pid=1"), 0o644))
	old := e.clock.at.Add(-20 * time.Minute)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	require.NoError(t, e.wd.RunCycle(context.Background()))
	_, err := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err), "stale lock reclaimed")
}

func TestNextTierAfter_Ladder(t *testing.T) {
	assert.Equal(t, Tier1, nextTierAfter(0))
	assert.Equal(t, Tier2, nextTierAfter(Tier1))
	assert.Equal(t, Tier3, nextTierAfter(Tier2))
	assert.Equal(t, Tier35, nextTierAfter(Tier3))
	assert.Equal(t, Tier4, nextTierAfter(Tier35))
	assert.Equal(t, Tier4, nextTierAfter(Tier4), "tier 4 is terminal")
}
