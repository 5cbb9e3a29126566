package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFutureOccurrence is returned by Schedule when the spec's
	// occurrence set lies entirely in the past.
	ErrNoFutureOccurrence = errors.New("no future occurrence")

	// ErrAlreadyCancelled is returned by Job.Cancel on a second cancel.
	ErrAlreadyCancelled = errors.New("job already cancelled")

	// ErrAlreadyRun is returned by Timer.Skip and Timer.Cancel once the
	// timer's function has started.
	ErrAlreadyRun = errors.New("timer has already run")

	// ErrSchedulerStopped is returned when new work is handed to a
	// scheduler after Stop.
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ErrWaitTooLong means the next occurrence is so far away that no
	// timer can represent the wait. The job gives up instead of arming a
	// nonsense timer.
	ErrWaitTooLong = errors.New("next occurrence too far in the future")
)

// PanicError wraps a panic recovered from a job callback so reporters can
// distinguish it from an ordinary error and get at the stack.
type PanicError struct {
	Value any
	Stack []byte
}

func (e PanicError) Error() string {
	return fmt.Sprintf("callback panic: %v", e.Value)
}
