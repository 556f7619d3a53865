// Package breaker implements the Circuit Breaker Pool: a
// per-component closed/open/half-open state machine driven by a
// time-windowed sliding count of errors, persisted to the State Store so
// the policy engine's pre-gate check and the health snapshot can read it without holding an
// in-process reference to the pool that tripped it.
package breaker

import (
	"context"
	"sync"
	"time"

	"sanad/internal/config"
	"sanad/internal/core"
)

// Store is the narrow persistence contract the pool writes through.
type Store interface {
	UpsertCircuitBreakerState(ctx context.Context, state core.CircuitBreakerState) error
	GetCircuitBreakerState(ctx context.Context, component string) (*core.CircuitBreakerState, error)
	ListOpenCircuitBreakers(ctx context.Context) ([]core.CircuitBreakerState, error)
}

// breakerEntry is the in-process half of a component's breaker: the
// persisted core.CircuitBreakerState is the durable projection other
// processes read; this struct additionally holds the sliding error window
// only the owning process needs.
type breakerEntry struct {
	mu           sync.Mutex
	component    string
	cfg          config.CircuitComponentConfig
	state        core.CircuitState
	failures     []time.Time // sliding window of failure timestamps
	cooldownUntil time.Time
}

// Pool owns every component's breaker and mirrors state transitions to the
// store. One Pool is constructed per worker process; independent worker
// processes each run their own Pool instance over the same component names,
// converging via the shared store row.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*breakerEntry
	cfg     config.CircuitBreakerConfig
	store   Store
	clock   core.Clock
	logger  core.ILogger
}

func NewPool(cfg config.CircuitBreakerConfig, store Store, clock core.Clock, logger core.ILogger) *Pool {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Pool{
		entries: make(map[string]*breakerEntry),
		cfg:     cfg,
		store:   store,
		clock:   clock,
		logger:  logger.WithField("component", "circuit_breaker_pool"),
	}
}

func (p *Pool) entry(component string) *breakerEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[component]
	if !ok {
		e = &breakerEntry{
			component: component,
			cfg:       p.cfg.ComponentBreaker(component),
			state:     core.CircuitClosed,
		}
		p.entries[component] = e
	}
	return e
}

// Allow reports whether a call to component may proceed: true unless the
// breaker is open and still within its cooldown window. A half-open probe
// is allowed through exactly once the cooldown has elapsed.
func (p *Pool) Allow(ctx context.Context, component string) bool {
	e := p.entry(component)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := p.clock.Now()
	if e.state == core.CircuitOpen {
		if now.Before(e.cooldownUntil) {
			return false
		}
		e.state = core.CircuitHalfOpen
		p.persist(ctx, e)
	}
	return true
}

// RecordSuccess reports a successful call. In half-open, a single success
// closes the breaker and resets the failure window. In closed, it merely
// ages the window.
func (p *Pool) RecordSuccess(ctx context.Context, component string) {
	e := p.entry(component)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == core.CircuitHalfOpen {
		e.state = core.CircuitClosed
		e.failures = nil
		p.persist(ctx, e)
		return
	}
	e.failures = trimWindow(e.failures, p.clock.Now(), e.cfg.WindowSeconds)
}

// RecordFailure reports a failed call. A half-open probe failing re-opens
// the breaker immediately; in closed, a failure is appended to the sliding
// window and the breaker trips once trip_threshold failures fall within
// window_seconds.
func (p *Pool) RecordFailure(ctx context.Context, component string) {
	e := p.entry(component)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := p.clock.Now()
	if e.state == core.CircuitHalfOpen {
		p.trip(ctx, e, now)
		return
	}

	e.failures = append(trimWindow(e.failures, now, e.cfg.WindowSeconds), now)
	if len(e.failures) >= e.cfg.TripThreshold {
		p.trip(ctx, e, now)
	}
}

func (p *Pool) trip(ctx context.Context, e *breakerEntry, now time.Time) {
	e.state = core.CircuitOpen
	cooldown := e.cfg.CooldownSeconds
	if cooldown <= 0 {
		cooldown = 300
	}
	e.cooldownUntil = now.Add(time.Duration(cooldown) * time.Second)
	e.failures = nil
	p.logger.Warn("circuit breaker tripped", "component", e.component, "cooldown_until", e.cooldownUntil)
	p.persist(ctx, e)
}

func (p *Pool) persist(ctx context.Context, e *breakerEntry) {
	if p.store == nil {
		return
	}
	state := core.CircuitBreakerState{
		Component:     e.component,
		State:         e.state,
		FailureCount:  len(e.failures),
		CooldownUntil: e.cooldownUntil,
		UpdatedAt:     p.clock.Now(),
	}
	if err := p.store.UpsertCircuitBreakerState(ctx, state); err != nil {
		p.logger.Error("persist circuit breaker state failed", "component", e.component, "error", err)
	}
}

func trimWindow(failures []time.Time, now time.Time, windowSeconds int) []time.Time {
	cutoff := now.Add(-time.Duration(windowSeconds) * time.Second)
	out := failures[:0:0]
	for _, f := range failures {
		if f.After(cutoff) {
			out = append(out, f)
		}
	}
	return out
}

// CountOpen returns how many components currently have an OPEN breaker
// state as observed through the store, for the pre-gate circuit check
//.
func CountOpen(ctx context.Context, store Store) (int, error) {
	states, err := store.ListOpenCircuitBreakers(ctx)
	if err != nil {
		return 0, err
	}
	return len(states), nil
}
