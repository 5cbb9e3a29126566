// Package scheduler runs jobs on calendar-oriented recurrence specs.
//
// A Scheduler owns a collection of jobs. Each Job couples a timespec.Spec
// with a callback; a per-job goroutine sleeps until the next occurrence,
// runs the callback, recomputes the following occurrence from the wall
// clock and sleeps again. Occurrence times are recomputed rather than
// accumulated, so a long suspend (laptop lid, VM pause) never causes a
// burst of catch-up firings; occurrences that passed while asleep are
// simply gone.
//
// # Lifecycle
//
// A job is WAITING while it sleeps, EXECUTING while its callback runs, and
// ends CANCELLED or DONE. Cancellation is cooperative with immediate
// effect on a waiting job: the callback does not run again, and a
// callback already in flight finishes before the loop winds down. A job
// whose spec has no future occurrence left ends DONE on its own and
// deregisters itself.
//
// # Clocks
//
// All timekeeping goes through the Clock interface. Production code uses
// SystemClock; tests drive a ManualClock to make firings deterministic
// without sleeping.
//
// # Failure handling
//
// Callback errors and panics never break a job's loop. They are handed to
// the configured ErrorReporter, which defaults to structured logging.
package scheduler
