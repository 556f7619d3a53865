package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sanad/internal/apperrors"
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

func TestExtractJSON_PlainObject(t *testing.T) {
	var out JudgeResponse
	require.NoError(t, ExtractJSON(`{"verdict": "APPROVE", "confidence": 80}`, &out))
	assert.Equal(t, "APPROVE", out.Verdict)
}

func TestExtractJSON_MarkdownFence(t *testing.T) {
	raw := "Here is my analysis:\n```json\n{\"verdict\": \"REJECT\", \"confidence\": 90}\n```"
	var out JudgeResponse
	require.NoError(t, ExtractJSON(raw, &out))
	assert.Equal(t, "REJECT", out.Verdict)
	assert.Equal(t, 90, out.Confidence)
}

func TestExtractJSON_ProseWrappedObject(t *testing.T) {
	raw := `After careful review, my verdict follows. {"verdict": "REVISE", "confidence": 55, "reasoning": "size down"} I hope that helps!`
	var out JudgeResponse
	require.NoError(t, ExtractJSON(raw, &out))
	assert.Equal(t, "REVISE", out.Verdict)
}

func TestExtractJSON_NoJSONIsParseFailure(t *testing.T) {
	var out JudgeResponse
	err := ExtractJSON("I would approve this trade.", &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrParseFailure))
}

func TestJudgeResponse_ValidateRejectsUnknownVerdict(t *testing.T) {
	r := JudgeResponse{Verdict: "MAYBE", Confidence: 50}
	assert.Error(t, r.Validate())

	r = JudgeResponse{Verdict: "APPROVE", Confidence: 101}
	assert.Error(t, r.Validate())

	r = JudgeResponse{Verdict: "APPROVE", Confidence: 80}
	assert.NoError(t, r.Validate())
}

func TestSanadResponse_ValidateBoundsTrustScore(t *testing.T) {
	r := SanadResponse{TrustScore: 150}
	assert.Error(t, r.Validate())
	r.TrustScore = 70
	assert.NoError(t, r.Validate())
}

type countingOracle struct {
	calls int
	delay time.Duration
}

func (o *countingOracle) Complete(ctx context.Context, _, _, _ string) (string, error) {
	o.calls++
	if o.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(o.delay):
		}
	}
	return `{"ok": true}`, nil
}

func TestClient_CountsCalls(t *testing.T) {
	oracle := &countingOracle{}
	client := NewClient(oracle, nil, nil, noopLogger{}, time.Second)

	_, err := client.Complete(context.Background(), "m", "sys", "user")
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), "m", "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, int64(2), client.Calls())
}

func TestSpend_RollsDaily(t *testing.T) {
	clock := &stepClock{at: time.Date(2026, 7, 1, 23, 0, 0, 0, time.UTC)}
	s := NewSpend(clock)

	s.RecordSpend("m", 5)
	assert.InDelta(t, 5, s.DailySpendUSD(), 1e-9)
	assert.InDelta(t, 5, s.MonthlySpendUSD(), 1e-9)

	clock.at = clock.at.Add(2 * time.Hour) // past midnight, same month
	assert.InDelta(t, 0, s.DailySpendUSD(), 1e-9)
	assert.InDelta(t, 5, s.MonthlySpendUSD(), 1e-9)

	clock.at = time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC)
	assert.InDelta(t, 0, s.MonthlySpendUSD(), 1e-9)
}

type stepClock struct{ at time.Time }

func (c *stepClock) Now() time.Time { return c.at }
