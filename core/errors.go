package core

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the engine error taxonomy. Components wrap these
// with fmt.Errorf("...: %w", ...) so callers can classify failures with
// errors.Is regardless of where they originated.
var (
	// ErrInvalid indicates bad parameters, malformed ids, or mutually
	// exclusive fields set together.
	ErrInvalid = errors.New("validation failed")
	// ErrNotFound indicates an unknown session, node, graph, run, or step
	// dependency.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a duplicate id on create.
	ErrAlreadyExists = errors.New("already exists")
	// ErrClosed indicates an operation on a stopped node.
	ErrClosed = errors.New("node is stopped")
	// ErrTimeout indicates the parser did not reach ready in time, or a
	// step exceeded its per-attempt timeout.
	ErrTimeout = errors.New("operation timed out")
	// ErrCanceled indicates the cancellation token was tripped.
	ErrCanceled = errors.New("operation canceled")
	// ErrBudgetExceeded indicates resource usage breached the budget.
	// Raised as *BudgetExceededError, matchable with errors.Is.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrSpawn indicates the child process could not be started.
	ErrSpawn = errors.New("failed to spawn process")
	// ErrHistory indicates the history writer could not be created.
	ErrHistory = errors.New("history unavailable")
	// ErrParser indicates a parser failed internally.
	ErrParser = errors.New("parser failed")
	// ErrInternal indicates an invariant violation.
	ErrInternal = errors.New("internal error")
)

// ErrorKind names one entry of the error taxonomy. Kinds appear in
// command failure responses and ERROR events.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindNotFound       ErrorKind = "not_found"
	KindAlreadyExists  ErrorKind = "already_exists"
	KindClosed         ErrorKind = "closed"
	KindTimeout        ErrorKind = "timeout"
	KindCanceled       ErrorKind = "canceled"
	KindBudgetExceeded ErrorKind = "budget_exceeded"
	KindSpawn          ErrorKind = "spawn_error"
	KindHistory        ErrorKind = "history_error"
	KindParser         ErrorKind = "parser_error"
	KindInternal       ErrorKind = "internal"
)

// KindOf classifies err against the taxonomy. Unrecognized errors map to
// KindInternal.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalid):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, ErrClosed):
		return KindClosed
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrBudgetExceeded):
		return KindBudgetExceeded
	case errors.Is(err, ErrSpawn):
		return KindSpawn
	case errors.Is(err, ErrHistory):
		return KindHistory
	case errors.Is(err, ErrParser):
		return KindParser
	default:
		return KindInternal
	}
}

// BudgetExceededError reports which budget dimension was breached along
// with the usage observed at the time of the check.
type BudgetExceededError struct {
	// Reason names the dimension, e.g. "max_steps".
	Reason string
	// Usage is a snapshot of the accumulated usage.
	Usage UsageSnapshot
	// Budget is the budget that was breached.
	Budget *Budget
}

// Error implements error.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s", e.Reason)
}

// Is reports true for ErrBudgetExceeded so errors.Is works on the
// sentinel.
func (e *BudgetExceededError) Is(target error) bool {
	return target == ErrBudgetExceeded
}
