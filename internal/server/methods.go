package server

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"

	"chimed/internal/config"
	"chimed/internal/runtime/supervisor"
	"chimed/internal/storage"
	"chimed/internal/timers"
	"chimed/pkg/scheduler"
	"chimed/pkg/timespec"
)

// JSON-RPC error codes for timer operations.
const (
	codeTimerNotFound      = jrpc2.Code(-32001)
	codeNoFutureOccurrence = jrpc2.Code(-32002)
	codeStorageDisabled    = jrpc2.Code(-32003)
	codeInvalidParams      = jrpc2.Code(-32602)
)

func (s *Server) methods() handler.Map {
	return handler.Map{
		"system.ping":    handler.New(s.systemPing),
		"system.status":  handler.New(s.systemStatus),
		"timer.list":     handler.New(s.timerList),
		"timer.get":      handler.New(s.timerGet),
		"timer.next":     handler.New(s.timerNext),
		"timer.add":      handler.New(s.timerAdd),
		"timer.remove":   handler.New(s.timerRemove),
		"timer.cancel":   handler.New(s.timerCancel),
		"timer.run":      handler.New(s.timerRun),
		"spec.preview":   handler.New(s.specPreview),
		"history.recent": handler.New(s.historyRecent),
	}
}

func errInvalidParams(msg string) error {
	return &jrpc2.Error{Code: codeInvalidParams, Message: msg}
}

// mapTimerErr translates timer service errors to wire codes.
func mapTimerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, timers.ErrNotFound):
		return &jrpc2.Error{Code: codeTimerNotFound, Message: "timer not found"}
	case errors.Is(err, scheduler.ErrNoFutureOccurrence):
		return &jrpc2.Error{Code: codeNoFutureOccurrence, Message: err.Error()}
	default:
		return &jrpc2.Error{Code: codeInvalidParams, Message: err.Error()}
	}
}

// PingResult is the response for system.ping.
type PingResult struct {
	Pong bool      `json:"pong"`
	Time time.Time `json:"time"`
}

func (s *Server) systemPing(_ context.Context) (*PingResult, error) {
	return &PingResult{Pong: true, Time: time.Now()}, nil
}

// TimerCounts aggregates the timer set for system.status.
type TimerCounts struct {
	Total     int    `json:"total"`
	Enabled   int    `json:"enabled"`
	Executing int    `json:"executing"`
	Runs      uint64 `json:"runs"`
	Failures  uint64 `json:"failures"`
}

// StatusResult is the response for system.status.
type StatusResult struct {
	Version    string              `json:"version"`
	PID        int                 `json:"pid"`
	Started    time.Time           `json:"started"`
	Uptime     string              `json:"uptime"`
	Socket     string              `json:"socket"`
	Storage    bool                `json:"storage"`
	Timers     TimerCounts         `json:"timers"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

func (s *Server) systemStatus(_ context.Context) (*StatusResult, error) {
	res := &StatusResult{
		Version: s.version,
		PID:     os.Getpid(),
		Started: s.started,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Socket:  s.socket,
		Storage: s.store != nil,
	}
	for _, snap := range s.timers.List() {
		res.Timers.Total++
		if snap.Enabled {
			res.Timers.Enabled++
		}
		if snap.State == "executing" {
			res.Timers.Executing++
		}
		res.Timers.Runs += snap.Runs
		res.Timers.Failures += snap.Failures
	}
	if s.sup != nil {
		res.Supervisor = s.sup.Snapshot()
	}
	return res, nil
}

// ListResult is the response for timer.list.
type ListResult struct {
	Timers []timers.Snapshot `json:"timers"`
}

func (s *Server) timerList(_ context.Context) (*ListResult, error) {
	return &ListResult{Timers: s.timers.List()}, nil
}

// NameParam is the input for methods addressing one timer.
type NameParam struct {
	Name string `json:"name"`
}

func (s *Server) timerGet(_ context.Context, p *NameParam) (*timers.Snapshot, error) {
	if p.Name == "" {
		return nil, errInvalidParams("missing required param: name")
	}
	snap, err := s.timers.Get(p.Name)
	if err != nil {
		return nil, mapTimerErr(err)
	}
	return &snap, nil
}

// NextParams is the input for timer.next.
type NextParams struct {
	Name  string `json:"name"`
	Count int    `json:"count,omitempty"`
}

// NextResult is the response for timer.next.
type NextResult struct {
	Name string      `json:"name"`
	Next []time.Time `json:"next"`
}

func (s *Server) timerNext(_ context.Context, p *NextParams) (*NextResult, error) {
	if p.Name == "" {
		return nil, errInvalidParams("missing required param: name")
	}
	next, err := s.timers.NextRuns(p.Name, p.Count)
	if err != nil {
		return nil, mapTimerErr(err)
	}
	return &NextResult{Name: p.Name, Next: next}, nil
}

// AddParams is the input for timer.add. Exactly one schedule form must
// be set, same as a config file definition.
type AddParams struct {
	Name     string         `json:"name"`
	Cron     string         `json:"cron,omitempty"`
	Calendar *timespec.Spec `json:"calendar,omitempty"`
	At       string         `json:"at,omitempty"`
	Every    string         `json:"every,omitempty"`
	Command  string         `json:"command"`
	Timeout  string         `json:"timeout,omitempty"`
}

func (s *Server) timerAdd(_ context.Context, p *AddParams) (*timers.Snapshot, error) {
	if p.Name == "" {
		return nil, errInvalidParams("missing required param: name")
	}
	if p.Command == "" {
		return nil, errInvalidParams("missing required param: command")
	}
	snap, err := s.timers.Add(config.TimerConfig{
		Name:     p.Name,
		Cron:     p.Cron,
		Calendar: p.Calendar,
		At:       p.At,
		Every:    p.Every,
		Command:  p.Command,
		Timeout:  p.Timeout,
	})
	if err != nil {
		return nil, mapTimerErr(err)
	}
	return &snap, nil
}

// EmptyResult is a placeholder for methods that return no data.
type EmptyResult struct{}

func (s *Server) timerRemove(_ context.Context, p *NameParam) (*EmptyResult, error) {
	if p.Name == "" {
		return nil, errInvalidParams("missing required param: name")
	}
	if err := s.timers.Remove(p.Name); err != nil {
		return nil, mapTimerErr(err)
	}
	return &EmptyResult{}, nil
}

func (s *Server) timerCancel(_ context.Context, p *NameParam) (*EmptyResult, error) {
	if p.Name == "" {
		return nil, errInvalidParams("missing required param: name")
	}
	if err := s.timers.Cancel(p.Name); err != nil {
		return nil, mapTimerErr(err)
	}
	return &EmptyResult{}, nil
}

func (s *Server) timerRun(ctx context.Context, p *NameParam) (*timers.RunSummary, error) {
	if p.Name == "" {
		return nil, errInvalidParams("missing required param: name")
	}
	sum, err := s.timers.Trigger(ctx, p.Name)
	if err != nil {
		return nil, mapTimerErr(err)
	}
	return &sum, nil
}

// PreviewParams is the input for spec.preview. One of cron or calendar
// is required; from defaults to now.
type PreviewParams struct {
	Cron     string         `json:"cron,omitempty"`
	Calendar *timespec.Spec `json:"calendar,omitempty"`
	From     time.Time      `json:"from,omitempty"`
	Count    int            `json:"count,omitempty"`
}

// PreviewResult is the response for spec.preview.
type PreviewResult struct {
	Schedule string      `json:"schedule"`
	Next     []time.Time `json:"next"`
}

func (s *Server) specPreview(_ context.Context, p *PreviewParams) (*PreviewResult, error) {
	var (
		spec timespec.Spec
		err  error
	)
	switch {
	case p.Cron != "" && p.Calendar != nil:
		return nil, errInvalidParams("cron and calendar are mutually exclusive")
	case p.Cron != "":
		spec, err = timespec.FromCron(p.Cron)
	case p.Calendar != nil:
		spec, err = p.Calendar.Normalize()
	default:
		return nil, errInvalidParams("one of cron or calendar is required")
	}
	if err != nil {
		return nil, errInvalidParams(err.Error())
	}

	from := p.From
	if from.IsZero() {
		from = time.Now()
	}
	count := p.Count
	if count <= 0 {
		count = 5
	}
	if count > 100 {
		count = 100
	}

	next := make([]time.Time, 0, count)
	t := from
	for i := 0; i < count; i++ {
		t = timespec.NextOccurrence(spec, t, i > 0)
		if t.IsZero() {
			break
		}
		next = append(next, t)
	}
	if len(next) == 0 {
		return nil, &jrpc2.Error{Code: codeNoFutureOccurrence, Message: "no future occurrence"}
	}
	return &PreviewResult{Schedule: spec.String(), Next: next}, nil
}

// HistoryParams is the input for history.recent. An empty name means
// all timers.
type HistoryParams struct {
	Name  string `json:"name,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// HistoryResult is the response for history.recent, newest first.
type HistoryResult struct {
	Runs []storage.RunRecord `json:"runs"`
}

func (s *Server) historyRecent(ctx context.Context, p *HistoryParams) (*HistoryResult, error) {
	if s.store == nil {
		return nil, &jrpc2.Error{Code: codeStorageDisabled, Message: "run history is disabled"}
	}
	runs, err := s.store.RecentRuns(ctx, p.Name, p.Limit)
	if err != nil {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: err.Error()}
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	return &HistoryResult{Runs: runs}, nil
}
