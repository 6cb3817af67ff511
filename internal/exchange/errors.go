package exchange

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrRateLimited is returned when the token bucket's bounded wait is
	// exhausted or the venue reports throttling.
	ErrRateLimited = errors.New("exchange: rate limited")

	// ErrInsufficientBalance is a terminal placement failure.
	ErrInsufficientBalance = errors.New("exchange: insufficient balance")

	// ErrOrderNotFound is returned by status/cancel lookups for unknown orders.
	ErrOrderNotFound = errors.New("exchange: order not found")

	// ErrAlreadyFilled is returned by cancel when the order completed first.
	ErrAlreadyFilled = errors.New("exchange: order already filled")
)

// TransientError wraps failures worth retrying with backoff: network faults,
// venue throttling, clock skew. The outcome of the attempted operation is
// unknown; callers must reconcile before resubmitting.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("exchange: transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError wraps a definitive exchange refusal. Never retried blindly.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("exchange: %s rejected: %s", e.Op, e.Reason)
}

// IsTransient reports whether the error is safe to retry after backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, ErrRateLimited)
}
