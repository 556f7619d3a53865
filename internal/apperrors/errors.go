// Package apperrors defines the sentinel errors and error-kind taxonomy the
// core uses to decide local handling and surfacing per component.
package apperrors

import "errors"

// Sentinel errors used across store, OMS, feed, and LLM oracle clients.
var (
	// ErrDBBusy is returned when a state-store write transaction could not
	// acquire its lock within the configured busy timeout. Callers abandon
	// the current cycle; the next cycle retries.
	ErrDBBusy = errors.New("state store busy")

	// ErrDecisionExists signals insert_decision/try_open_position_atomic
	// observed an existing row for the given decision_id; the operation is
	// idempotent and the caller should use the returned row.
	ErrDecisionExists = errors.New("decision already exists")

	// ErrPositionExists signals try_open_position_atomic lost the race to
	// insert a position for this decision_id; the existing row is returned.
	ErrPositionExists = errors.New("position already exists for decision")

	// ErrInvalidTransition is returned by guarded state updates when the
	// observed current state does not match the expected precondition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNoRowsAffected signals a guarded conditional update matched zero
	// rows: another worker raced and won. Treated as a no-op, logged as a
	// warning, retried next cycle.
	ErrNoRowsAffected = errors.New("no rows affected by guarded update")

	// ErrKillSwitchActive is returned by any write path invoked while the
	// kill switch is active.
	ErrKillSwitchActive = errors.New("kill switch active")

	// ErrConfigMissing is returned when a required configuration key is
	// absent at startup or during gate evaluation.
	ErrConfigMissing = errors.New("required configuration missing")

	// ErrRetryableExternal marks a transient fault from an external
	// collaborator (HTTP 429/5xx, connection reset, timeout) eligible for
	// bounded exponential backoff.
	ErrRetryableExternal = errors.New("retryable external fault")

	// ErrNonRetryableExternal marks a persistent external fault (auth
	// failure, other 4xx) that must not be retried.
	ErrNonRetryableExternal = errors.New("non-retryable external fault")

	// ErrParseFailure is returned when an LLM oracle response could not be
	// parsed as the expected JSON object.
	ErrParseFailure = errors.New("response parse failure")

	// ErrCircuitOpen is returned by a client call routed through an open
	// circuit breaker.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrDuplicateOrder is returned when place_order observes an existing
	// non-terminal order for the computed client_order_id.
	ErrDuplicateOrder = errors.New("duplicate order")

	// ErrOrderRejected marks a non-retryable exchange rejection.
	ErrOrderRejected = errors.New("order rejected")

	// ErrStaleLease is returned when a watchdog observes a lease past its
	// TTL with no fresh output to fall back on.
	ErrStaleLease = errors.New("lease stale")
)

// Kind classifies an error for local-handling and surfacing decisions per
// the error handling design.
type Kind string

const (
	KindConfigFault       Kind = "config_fault"
	KindTransientExternal Kind = "transient_external_fault"
	KindPersistentExternal Kind = "persistent_external_fault"
	KindParseFault        Kind = "parse_fault"
	KindRaceConflict      Kind = "race_conflict"
	KindDataQuality       Kind = "data_quality"
	KindSecurityFault     Kind = "security_fault"
	KindSystemFault       Kind = "system_fault"
	KindCatastrophic      Kind = "catastrophic"
)

// Classified pairs a Kind with the underlying error for logging and
// decision-record evidence.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string { return c.Err.Error() }
func (c *Classified) Unwrap() error { return c.Err }

// Classify wraps err with kind for structured evidence capture.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: kind, Err: err}
}
