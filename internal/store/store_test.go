package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sanad/internal/core"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                  {}
func (noopLogger) Info(string, ...interface{})                   {}
func (noopLogger) Warn(string, ...interface{})                   {}
func (noopLogger) Error(string, ...interface{})                  {}
func (noopLogger) Fatal(string, ...interface{})                  {}
func (l noopLogger) WithField(string, interface{}) core.ILogger  { return l }
func (l noopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), dbPath, noopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDecision(id string) core.Decision {
	return core.Decision{
		DecisionID:    id,
		SignalID:      "sig-" + id,
		PolicyVersion: "v1",
		Result:        core.DecisionExecute,
		TerminalStage: "execute",
		ReasonCode:    "OK",
		Evidence:      map[string]interface{}{"gate1": "pass"},
		Packet:        map[string]interface{}{"foo": "bar"},
		CreatedAt:     time.Now(),
	}
}

func TestTryOpenPositionAtomic_IdempotentOnDecisionID(t *testing.T) {
	s := newTestStore(t)
	decision := testDecision("dec-1")
	pos := core.Position{
		Symbol: "SOL/USDC", TokenAddress: "tok1", Side: "buy", Strategy: "momentum",
		EntryPrice: decimal.NewFromFloat(1.5), Size: decimal.NewFromInt(100),
	}

	p1, existed1, err := s.TryOpenPositionAtomic(context.Background(), decision, pos)
	require.NoError(t, err)
	assert.False(t, existed1)
	require.NotNil(t, p1)

	// Second call with the same decision_id (different PositionID, as a
	// racing worker would generate) must observe the existing row.
	pos2 := pos
	p2, existed2, err := s.TryOpenPositionAtomic(context.Background(), decision, pos2)
	require.NoError(t, err)
	assert.True(t, existed2)
	assert.Equal(t, p1.PositionID, p2.PositionID)

	open, err := s.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1, "racing opens on the same decision must yield exactly one position")
}

func TestTryOpenPositionAtomic_ConcurrentRaceYieldsOnePosition(t *testing.T) {
	s := newTestStore(t)
	decision := testDecision("dec-race")

	const n = 8
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pos := core.Position{
				Symbol: "SOL/USDC", TokenAddress: "tok1", Side: "buy", Strategy: "momentum",
				EntryPrice: decimal.NewFromFloat(1.5), Size: decimal.NewFromInt(100),
			}
			_, existed, err := s.TryOpenPositionAtomic(context.Background(), decision, pos)
			if err == nil {
				wins[i] = !existed
			}
		}(i)
	}
	wg.Wait()

	winCount := 0
	for _, w := range wins {
		if w {
			winCount++
		}
	}
	assert.Equal(t, 1, winCount, "exactly one racing writer should win the insert")

	open, err := s.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestClaimAsyncTask_ExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	decision := testDecision("dec-2")
	pos := core.Position{
		Symbol: "SOL/USDC", TokenAddress: "tok2", Side: "buy", Strategy: "momentum",
		EntryPrice: decimal.NewFromFloat(1.5), Size: decimal.NewFromInt(100),
	}
	_, _, err := s.TryOpenPositionAtomic(context.Background(), decision, pos)
	require.NoError(t, err)

	tasks, err := s.PollPendingTasks(context.Background(), 10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	taskID := tasks[0].TaskID

	now := time.Now()
	const n = 6
	var wg sync.WaitGroup
	claims := make([]*core.AsyncTask, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := s.ClaimAsyncTask(context.Background(), taskID, now)
			if err == nil {
				claims[i] = claimed
			}
		}(i)
	}
	wg.Wait()

	successful := 0
	for _, c := range claims {
		if c != nil {
			successful++
			assert.Equal(t, 1, c.Attempts, "attempts must be incremented exactly once by the winning claim")
		}
	}
	assert.Equal(t, 1, successful, "exactly one concurrent claim should succeed")
}

func TestMarkTaskFailedPermanent_FlagsPosition(t *testing.T) {
	s := newTestStore(t)
	decision := testDecision("dec-3")
	pos := core.Position{
		Symbol: "SOL/USDC", TokenAddress: "tok3", Side: "buy", Strategy: "momentum",
		EntryPrice: decimal.NewFromFloat(1.5), Size: decimal.NewFromInt(100),
	}
	opened, _, err := s.TryOpenPositionAtomic(context.Background(), decision, pos)
	require.NoError(t, err)

	tasks, err := s.PollPendingTasks(context.Background(), 10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	claimed, err := s.ClaimAsyncTask(context.Background(), tasks[0].TaskID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, s.MarkTaskFailedPermanent(context.Background(), claimed.TaskID, core.ErrWorker, "boom"))

	open, err := s.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, core.FlagAsyncFailedPermanent, open[0].RiskFlag)
	assert.Equal(t, opened.PositionID, open[0].PositionID)
}

func TestMarkTaskDone_GuardedByRunningStatus(t *testing.T) {
	s := newTestStore(t)
	decision := testDecision("dec-4")
	pos := core.Position{
		Symbol: "SOL/USDC", TokenAddress: "tok4", Side: "buy", Strategy: "momentum",
		EntryPrice: decimal.NewFromFloat(1.5), Size: decimal.NewFromInt(100),
	}
	_, _, err := s.TryOpenPositionAtomic(context.Background(), decision, pos)
	require.NoError(t, err)

	tasks, err := s.PollPendingTasks(context.Background(), 10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// Marking done while still PENDING (never claimed) is a no-op, not an error.
	require.NoError(t, s.MarkTaskDone(context.Background(), tasks[0].TaskID))

	pending, err := s.PollPendingTasks(context.Background(), 10, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, pending, 1, "unclaimed task must still be PENDING")
}

func TestUpdatePositionClose(t *testing.T) {
	s := newTestStore(t)
	decision := testDecision("dec-5")
	pos := core.Position{
		Symbol: "SOL/USDC", TokenAddress: "tok5", Side: "buy", Strategy: "momentum",
		EntryPrice: decimal.NewFromFloat(1.5), Size: decimal.NewFromInt(100),
	}
	opened, _, err := s.TryOpenPositionAtomic(context.Background(), decision, pos)
	require.NoError(t, err)

	require.NoError(t, s.UpdatePositionClose(context.Background(), opened.PositionID, decimal.NewFromFloat(2.0), decimal.NewFromFloat(50)))

	open, err := s.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open, "closed position must no longer appear in open positions")
}
