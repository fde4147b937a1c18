// Package queue implements the Queue Store and Lease Manager: the
// durable, transactional source of truth for tasks (spec §4.1, §4.2).
package queue

import "errors"

// Outcome tags the result of a queue operation so callers at the HTTP
// boundary can map it to a status code without inspecting error strings
// (spec §9: "return tagged result values... reserve panics for invariant
// violations").
type Outcome int

const (
	// OK: the operation succeeded.
	OK Outcome = iota
	// Transient: the store was unavailable or the call failed for reasons
	// a retry may resolve. Never surfaced to end users (spec §7).
	Transient
	// Validation: the request was malformed or referenced a task/kind that
	// does not exist or cannot be transitioned as requested. Permanent.
	Validation
	// LeaseLost: the caller does not currently hold the task's lease.
	// Fatal to the current attempt; the caller must abort (spec §7).
	LeaseLost
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Transient:
		return "transient"
	case Validation:
		return "validation"
	case LeaseLost:
		return "lease_lost"
	default:
		return "unknown"
	}
}

// Error wraps an Outcome with a human-readable message, so it composes with
// errors.Is/errors.As while still being switchable on Outcome.
type Error struct {
	Outcome Outcome
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(o Outcome, msg string, err error) *Error {
	return &Error{Outcome: o, Msg: msg, Err: err}
}

// ErrTaskNotFound is returned by Get/Cancel/Claim-adjacent lookups.
var ErrTaskNotFound = errors.New("queue: task not found")

// OutcomeOf extracts the Outcome carried by err, defaulting to Transient
// for errors that don't originate from this package (unexpected driver
// failures are treated as retryable rather than silently swallowed).
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OK
	}
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Outcome
	}
	if errors.Is(err, ErrTaskNotFound) {
		return Validation
	}
	return Transient
}
