// Package llm wraps the LLM inference endpoints the pipeline and the cold
// path consult. The endpoints themselves are external collaborators;
// from the core's side an oracle is a request-to-text call with a
// timeout, a retry policy, and a circuit breaker. Everything JSON-shaped
// about the responses is enforced here by the caller, never trusted to the
// model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"sanad/internal/apperrors"
	"sanad/internal/breaker"
	"sanad/internal/core"
	"sanad/pkg/retry"
)

// Oracle is the narrow request→text contract. Implementations live outside
// the core (HTTP inference clients); tests substitute recorders.
type Oracle interface {
	// Complete sends a system + user prompt pair and returns the raw text.
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error)
}

// SpendRecorder accumulates LLM spend for Gate 14 (Budget). The pipeline
// records an estimate per call; the policy engine reads the running totals.
type SpendRecorder interface {
	RecordSpend(model string, estimatedUSD float64)
	DailySpendUSD() float64
	MonthlySpendUSD() float64
}

// Client is the single LLM entry point every stage goes through. It owns
// the per-call timeout, the consolidated retry policy, the llm circuit
// breaker, duplicate-call collapsing, and the invocation counter the
// kill-switch tests assert on.
type Client struct {
	oracle   Oracle
	breakers *breaker.Pool
	spend    SpendRecorder
	logger   core.ILogger
	timeout  time.Duration
	policy   retry.RetryPolicy

	group singleflight.Group
	calls atomic.Int64
}

func NewClient(oracle Oracle, breakers *breaker.Pool, spend SpendRecorder, logger core.ILogger, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		oracle:   oracle,
		breakers: breakers,
		spend:    spend,
		logger:   logger.WithField("component", "llm_client"),
		timeout:  timeout,
		policy:   retry.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Second, MaxBackoff: 8 * time.Second},
	}
}

// Calls returns how many oracle invocations this client has made.
func (c *Client) Calls() int64 {
	return c.calls.Load()
}

// Complete runs one oracle call with timeout, retry-on-transient, and
// breaker accounting.
func (c *Client) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	if c.breakers != nil && !c.breakers.Allow(ctx, "llm") {
		return "", apperrors.ErrCircuitOpen
	}

	var out string
	err := retry.Do(ctx, c.policy, isTransient, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		c.calls.Add(1)
		text, err := c.oracle.Complete(callCtx, model, systemPrompt, userPrompt)
		if err != nil {
			if c.breakers != nil && isTransient(err) {
				c.breakers.RecordFailure(ctx, "llm")
			}
			return err
		}
		out = text
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("llm complete (%s): %w", model, err)
	}

	if c.breakers != nil {
		c.breakers.RecordSuccess(ctx, "llm")
	}
	if c.spend != nil {
		c.spend.RecordSpend(model, estimateCostUSD(model, systemPrompt, userPrompt, out))
	}
	return out, nil
}

// CompleteShared collapses concurrent calls with the same key (e.g. two
// workers racing the Sanad deep-check for one signal_id) into a single
// oracle invocation whose result both callers receive.
func (c *Client) CompleteShared(ctx context.Context, key, model, systemPrompt, userPrompt string) (string, error) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.Complete(ctx, model, systemPrompt, userPrompt)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, apperrors.ErrRetryableExternal)
}

// estimateCostUSD is a coarse token-count-proportional estimate. Budget
// gate accuracy only needs order-of-magnitude tracking; exact billing
// reconciliation happens out of band.
func estimateCostUSD(model, system, user, out string) float64 {
	chars := len(system) + len(user) + len(out)
	perMChars := 2.0
	if strings.Contains(model, "judge") {
		perMChars = 3.0
	}
	return float64(chars) / 1_000_000 * perMChars
}

// Spend is the default in-process SpendRecorder, with day/month windows
// keyed on wall clock.
type Spend struct {
	mu       sync.Mutex
	clock    core.Clock
	day      string
	month    string
	daily    float64
	monthly  float64
}

func NewSpend(clock core.Clock) *Spend {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Spend{clock: clock}
}

func (s *Spend) RecordSpend(model string, usd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll()
	s.daily += usd
	s.monthly += usd
}

func (s *Spend) DailySpendUSD() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll()
	return s.daily
}

func (s *Spend) MonthlySpendUSD() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll()
	return s.monthly
}

func (s *Spend) roll() {
	now := s.clock.Now().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")
	if day != s.day {
		s.day = day
		s.daily = 0
	}
	if month != s.month {
		s.month = month
		s.monthly = 0
	}
}
