package coldpath

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sanad/internal/config"
	"sanad/internal/core"
	"sanad/internal/llm"
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

// movableClock lets tests walk wall time forward across retry windows.
type movableClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *movableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

type scriptedOracle struct {
	mu    sync.Mutex
	judge string // judge response JSON; empty = unparseable garbage
	fail  bool   // every call errors
}

func (o *scriptedOracle) Complete(_ context.Context, model, systemPrompt, _ string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return "", errors.New("oracle down")
	}
	switch {
	case contains(systemPrompt, "deep credibility"):
		return `{"trust_score": 70, "grade": "Mashhur", "rugpull_flags": [], "sybil_risk": "LOW", "recommendation": "PROCEED", "reasoning": "ok"}`, nil
	case contains(systemPrompt, "argue FOR"):
		return `{"conviction": 65, "thesis": "holds", "evidence": {}, "risks": []}`, nil
	case contains(systemPrompt, "argue AGAINST"):
		return `{"conviction": 40, "thesis": "stretched", "attack_points": [], "risks": []}`, nil
	default: // judge
		if o.judge == "" {
			return "the verdict is that I cannot decide", nil
		}
		return o.judge, nil
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

type env struct {
	worker *Worker
	store  *store.Store
	clock  *movableClock
	oracle *scriptedOracle
	cfg    *config.Config
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.System.DataDir = dir
	cfg.System.LeaseDir = filepath.Join(dir, "leases")
	cfg.Store.DBPath = filepath.Join(dir, "test.db")
	cfg.ColdPath.ParallelBullBear = false // deterministic call order in tests

	st, err := store.Open(context.Background(), cfg.Store.DBPath, noopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &movableClock{at: time.Now()}
	oracle := &scriptedOracle{judge: `{"verdict": "APPROVE", "confidence": 75, "reasoning": "fine"}`}
	llmClient := llm.NewClient(oracle, nil, nil, noopLogger{}, 5*time.Second)

	w := New(cfg, st, llmClient, nil, nil, noopLogger{}, clock)
	return &env{worker: w, store: st, clock: clock, oracle: oracle, cfg: cfg}
}

// seedTask opens a position (which enqueues the ANALYZE task) and returns
// the task.
func (e *env) seedTask(t *testing.T) core.AsyncTask {
	t.Helper()
	decision := core.Decision{
		DecisionID: "dec-1", SignalID: "sig-1", PolicyVersion: "v3",
		Result: core.DecisionExecute, TerminalStage: "EXECUTE", ReasonCode: "ok",
		CreatedAt: e.clock.Now(),
	}
	pos := core.Position{
		PositionID: "pos-1", Symbol: "WIFUSDT", TokenAddress: "WIF", Side: "LONG",
		Strategy: "meme-momentum", EntryPrice: decimal.NewFromFloat(2.0), Size: decimal.NewFromInt(100),
	}
	_, existed, err := e.store.TryOpenPositionAtomic(context.Background(), decision, pos)
	require.NoError(t, err)
	require.False(t, existed)

	tasks, err := e.store.PollPendingTasks(context.Background(), 10, e.clock.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "ANALYZE", tasks[0].TaskType)
	assert.Equal(t, 0, tasks[0].Attempts)
	return tasks[0]
}

func (e *env) taskState(t *testing.T, taskID string) (status string, attempts int, lastError string) {
	t.Helper()
	// Walk far into the future so PENDING tasks are visible regardless of
	// their next_run_at.
	tasks, err := e.store.PollPendingTasks(context.Background(), 10, e.clock.Now().Add(100*time.Hour))
	require.NoError(t, err)
	for _, task := range tasks {
		if task.TaskID == taskID {
			return string(task.Status), task.Attempts, task.LastError
		}
	}
	return "", -1, ""
}

func TestProcessOne_SuccessAttachesAnalysisAndCompletes(t *testing.T) {
	e := newEnv(t)
	task := e.seedTask(t)

	e.worker.processOne(context.Background(), task)

	open, err := e.store.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].AsyncAnalysisDone)
	assert.Contains(t, open[0].AsyncAnalysisJSON, `"verdict":"APPROVE"`)
	assert.Empty(t, open[0].RiskFlag)

	status, _, _ := e.taskState(t, task.TaskID)
	assert.Empty(t, status, "done tasks leave the PENDING queue")
}

func TestProcessOne_JudgeCatastrophicRejectFlagsPositionButCompletes(t *testing.T) {
	e := newEnv(t)
	e.oracle.judge = `{"verdict": "REJECT", "confidence": 90, "reasoning": "rug pattern"}`
	task := e.seedTask(t)

	e.worker.processOne(context.Background(), task)

	open, err := e.store.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.FlagJudgeHighConfReject, open[0].RiskFlag)
	assert.True(t, open[0].AsyncAnalysisDone, "the analysis itself succeeded: task is DONE, not FAILED")
}

func TestRetryLadder_FullProgressionToPermanentFailure(t *testing.T) {
	e := newEnv(t)
	e.oracle.judge = "" // unparseable judge output every time
	task := e.seedTask(t)

	// Attempt 1: claim -> attempts=1, fail -> PENDING, next_run in 300s.
	e.worker.processOne(context.Background(), task)
	status, attempts, lastErr := e.taskState(t, task.TaskID)
	assert.Equal(t, "PENDING", status)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, lastErr, core.ErrJudgeParse)

	// Not due yet: the queue hides it until now+300s.
	due, err := e.store.PollPendingTasks(context.Background(), 10, e.clock.Now().Add(60*time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)

	// Attempt 2 after 300s: attempts=2, next delay 900s.
	e.clock.Advance(301 * time.Second)
	e.worker.processOne(context.Background(), task)
	_, attempts, _ = e.taskState(t, task.TaskID)
	assert.Equal(t, 2, attempts)

	due, err = e.store.PollPendingTasks(context.Background(), 10, e.clock.Now().Add(600*time.Second))
	require.NoError(t, err)
	assert.Empty(t, due, "second retry waits 900s, not 600s")

	// Attempt 3 after 900s: attempts=3, next delay 3600s.
	e.clock.Advance(901 * time.Second)
	e.worker.processOne(context.Background(), task)
	_, attempts, _ = e.taskState(t, task.TaskID)
	assert.Equal(t, 3, attempts)

	// Attempt 4 after 3600s: attempts=4 >= MAX -> FAILED, position flagged.
	e.clock.Advance(3601 * time.Second)
	e.worker.processOne(context.Background(), task)

	status, _, _ = e.taskState(t, task.TaskID)
	assert.Empty(t, status, "failed tasks leave the PENDING queue")

	open, err := e.store.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.FlagAsyncFailedPermanent, open[0].RiskFlag)
}

func TestProcessOne_ClaimRaceYieldsSingleWinner(t *testing.T) {
	e := newEnv(t)
	task := e.seedTask(t)

	claimed, err := e.store.ClaimAsyncTask(context.Background(), task.TaskID, e.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 1, claimed.Attempts)

	// Second claim on the now-RUNNING task loses.
	second, err := e.store.ClaimAsyncTask(context.Background(), task.TaskID, e.clock.Now())
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestErrorCode_Taxonomy(t *testing.T) {
	assert.Equal(t, core.ErrJudgeParse, errorCode(errJudgeParse))
	assert.Equal(t, core.ErrValidation, errorCode(errValidation))
	assert.Equal(t, core.ErrWorker, errorCode(errors.New("boom")))
}
