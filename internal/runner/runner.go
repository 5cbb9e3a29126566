package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"chimed/pkg/logx"
)

// maxOutputBytes caps the combined stdout+stderr kept per run. Command
// output is history material, not a data channel.
const maxOutputBytes = 8 * 1024

// Result is the outcome of one command run.
//
// Err is non-nil whenever the run failed: parse errors, start failures,
// non-zero exits, timeouts. OK() is its inverse.
type Result struct {
	Command  string
	Started  time.Time
	Duration time.Duration

	// ExitCode is the process exit status; -1 when the process did not
	// run or was killed by a signal (including the timeout kill).
	ExitCode int

	Output    string // combined stdout+stderr, possibly truncated
	Truncated bool

	TimedOut bool
	Err      error
}

func (r Result) OK() bool { return r.Err == nil }

// Runner executes timer commands directly (no shell). Commands are split
// shell-style, so quoting works the way operators expect, but nothing
// interprets pipes, redirects, or expansions; wrap those in `sh -c`.
type Runner struct {
	log logx.Logger
}

func New(log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{log: log}
}

// Run executes command, waits for it to finish, and returns the outcome.
// A timeout > 0 bounds the run; the process group gets killed when it
// expires. Extra env entries ("KEY=value") are appended to the daemon's
// environment.
func (r *Runner) Run(ctx context.Context, command string, timeout time.Duration, env ...string) Result {
	res := Result{Command: command, Started: time.Now()}

	words, err := shellquote.Split(command)
	if err != nil {
		res.ExitCode = -1
		res.Err = fmt.Errorf("parse command: %w", err)
		return res
	}
	if len(words) == 0 {
		res.ExitCode = -1
		res.Err = errors.New("empty command")
		return res
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, words[0], words[1:]...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	// Assigning the same writer to both streams makes exec serialize
	// writes, so the buffer needs no lock.
	buf := &capBuffer{max: maxOutputBytes}
	cmd.Stdout = buf
	cmd.Stderr = buf

	r.log.Debug("running command", logx.String("command", command), logx.Duration("timeout", timeout))

	err = cmd.Run()
	res.Duration = time.Since(res.Started)
	res.Output = buf.String()
	res.Truncated = buf.truncated

	switch {
	case err == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		// Prefer the timeout as the reported cause over the generic
		// "signal: killed" exit error.
		if timeout > 0 && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			res.TimedOut = true
			res.Err = fmt.Errorf("timed out after %s", timeout)
		} else {
			res.Err = err
		}
	}

	r.log.Debug("command finished",
		logx.String("command", words[0]),
		logx.Int("exit_code", res.ExitCode),
		logx.Duration("took", res.Duration),
		logx.Bool("ok", res.OK()),
	)
	return res
}

// capBuffer keeps the first max bytes written and drops the rest.
type capBuffer struct {
	max       int
	b         strings.Builder
	truncated bool
}

func (c *capBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if remain := c.max - c.b.Len(); remain > 0 {
		if len(p) > remain {
			p = p[:remain]
			c.truncated = true
		}
		c.b.Write(p)
	} else if n > 0 {
		c.truncated = true
	}
	// Report full consumption so the process never sees a write error.
	return n, nil
}

func (c *capBuffer) String() string { return c.b.String() }
