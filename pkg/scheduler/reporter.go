package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"chimed/pkg/logx"
)

// ErrorReporter receives callback failures. The job loop has no caller to
// return an error to, so failures are handed off here and the loop keeps
// going.
type ErrorReporter interface {
	ReportError(ctx context.Context, job *Job, err error)
}

// ReporterFunc adapts a plain function to ErrorReporter.
type ReporterFunc func(ctx context.Context, job *Job, err error)

func (f ReporterFunc) ReportError(ctx context.Context, job *Job, err error) { f(ctx, job, err) }

// logReporter is the default sink: one structured error line per failure,
// with the recovered stack when the failure was a panic.
type logReporter struct {
	log logx.Logger
}

func (r logReporter) ReportError(_ context.Context, job *Job, err error) {
	fields := []logx.Field{logx.Err(err)}
	if job != nil {
		fields = append(fields, logx.String("spec", job.Spec().String()))
	}
	var pe PanicError
	if errors.As(err, &pe) {
		fields = append(fields, logx.String("stack", string(pe.Stack)))
	}
	r.log.Error("job callback failed", fields...)
}

// RateLimitedReporter wraps another reporter and drops reports in excess
// of the configured rate, so a job failing every minute cannot flood the
// log or a paging backend. Drops are counted, not logged.
type RateLimitedReporter struct {
	next    ErrorReporter
	lim     *rate.Limiter
	dropped atomic.Uint64
}

// NewRateLimitedReporter allows one report per interval with the given
// burst headroom.
func NewRateLimitedReporter(next ErrorReporter, interval time.Duration, burst int) *RateLimitedReporter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedReporter{next: next, lim: rate.NewLimiter(rate.Every(interval), burst)}
}

func (r *RateLimitedReporter) ReportError(ctx context.Context, job *Job, err error) {
	if !r.lim.Allow() {
		r.dropped.Add(1)
		return
	}
	r.next.ReportError(ctx, job, err)
}

// Dropped returns how many reports were suppressed so far.
func (r *RateLimitedReporter) Dropped() uint64 { return r.dropped.Load() }
