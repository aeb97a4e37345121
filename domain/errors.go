package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the core failure taxonomy. Callers classify failures
// with errors.Is/As and must never have to parse message text to pick a
// retry strategy.
var (
	// ErrInvalidInput is a caller error, not retryable as-is.
	ErrInvalidInput = errors.New("invalid input")
	// ErrBackpressure means an internal queue is saturated; retry after a delay.
	ErrBackpressure = errors.New("backpressure")
	// ErrStorageUnavailable is a transient persistence failure with no
	// partial state change; retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrFatal marks an unexpected internal invariant violation.
	ErrFatal = errors.New("internal invariant violation")
)

// ConflictError is returned when an append's expected version does not
// match the stream's current version. Retryable after re-reading.
type ConflictError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s: expected version %d, stream is at %d", e.StreamID, e.Expected, e.Actual)
}

// CircuitOpenError is returned when a call is rejected without a network
// attempt because the target's circuit breaker is open.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for service %s (retry after %s)", e.Service, e.RetryAfter)
}

// ParticipantError reports a participant failure during a transaction
// phase. During prepare it causes the transaction to abort.
type ParticipantError struct {
	TransactionID string
	Service       string
	Phase         string
	Err           error
}

func (e ParticipantError) Error() string {
	return fmt.Sprintf("transaction %s: participant %s failed during %s: %v", e.TransactionID, e.Service, e.Phase, e.Err)
}

func (e ParticipantError) Unwrap() error { return e.Err }

// ErrorCode maps an error to its machine-readable taxonomy code. API
// responses carry this code next to the HTTP status.
func ErrorCode(err error) string {
	var conflict ConflictError
	var open CircuitOpenError
	var participant ParticipantError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &conflict):
		return "concurrency_conflict"
	case errors.As(err, &open):
		return "circuit_open"
	case errors.As(err, &participant):
		return "participant_unavailable"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrBackpressure):
		return "backpressure"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "fatal"
	}
}
