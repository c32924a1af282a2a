// Package faults defines the error taxonomy shared across components.
// Cross-component failures travel as wrapped sentinel errors or as Batch
// results, never as panics crossing package boundaries.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing required input, rejected
	// before any external call.
	ErrValidation = errors.New("validation error")

	// ErrAuth marks an expired or invalid provider token after the single
	// refresh-and-retry has failed.
	ErrAuth = errors.New("auth error")

	// ErrSyncTokenInvalid marks a provider 410 on a sync token. Not user
	// visible; it triggers a full resync instead of a retry.
	ErrSyncTokenInvalid = errors.New("sync token invalid")

	// ErrRateLimited marks a transient provider error that survived the
	// retry budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrPlanner marks a solver rejection or timeout.
	ErrPlanner = errors.New("planner error")

	// ErrUnsatisfiable marks a replan pin that cannot be honored for a
	// required attendee.
	ErrUnsatisfiable = errors.New("unsatisfiable constraint")
)

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// ItemError records one failed item of a batch operation.
type ItemError struct {
	Key string // attendee id, event id, calendar id...
	Err error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// Batch collects per-item errors so a batch operation can finish for the
// rest of its items and still report which ones failed.
type Batch struct {
	Encountered []ItemError
}

// Record appends a failed item. A nil err is ignored.
func (b *Batch) Record(key string, err error) {
	if err == nil {
		return
	}
	b.Encountered = append(b.Encountered, ItemError{Key: key, Err: err})
}

// Empty reports whether every item succeeded.
func (b *Batch) Empty() bool { return len(b.Encountered) == 0 }

// Err returns nil when the batch is clean, otherwise an error that lists
// the failed items and unwraps to the first failure.
func (b *Batch) Err() error {
	if b.Empty() {
		return nil
	}
	return fmt.Errorf("%d item(s) failed, first: %w", len(b.Encountered), b.Encountered[0].Err)
}
