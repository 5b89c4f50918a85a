package lifecycle

import (
	"errors"
	"fmt"

	"warden/internal/deployment"
	"warden/internal/store"
)

var (
	ErrInvariant = deployment.ErrInvariant
	ErrNotFound  = store.ErrNotFound
	ErrExists    = store.ErrExists
	// ErrInvalid wraps rejected owner input (bad kind, tier, symbols, limit).
	ErrInvalid = errors.New("invalid request")
	// ErrTerminal is returned when an owner operation targets a STOPPED deployment.
	ErrTerminal = errors.New("deployment is stopped")
)

// EvaluationError wraps a strategy evaluation failure or timeout. It counts as
// a circuit-breaker failure.
type EvaluationError struct {
	Cause   error
	Timeout bool
}

func (e *EvaluationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("evaluation timed out: %v", e.Cause)
	}
	return fmt.Sprintf("evaluation failed: %v", e.Cause)
}

func (e *EvaluationError) Unwrap() error { return e.Cause }

// DeliveryError wraps a notification or execution failure. It does not count
// as a circuit-breaker failure.
type DeliveryError struct {
	Channel string
	Cause   error
}

func (e *DeliveryError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("delivery failed: %v", e.Cause)
	}
	return fmt.Sprintf("delivery via %s failed: %v", e.Channel, e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

func IsEvaluationError(err error) bool {
	var ev *EvaluationError
	return errors.As(err, &ev)
}

func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}
