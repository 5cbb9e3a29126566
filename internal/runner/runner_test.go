package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"chimed/pkg/logx"
)

func TestRunCapturesOutput(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	res := r.Run(context.Background(), `echo hello world`, 0)
	if !res.OK() {
		t.Fatalf("echo failed: %v", res.Err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(res.Output) != "hello world" {
		t.Fatalf("output = %q", res.Output)
	}
	if res.Duration <= 0 {
		t.Fatalf("duration not measured")
	}
}

func TestRunQuoting(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	res := r.Run(context.Background(), `echo "two words" third`, 0)
	if !res.OK() {
		t.Fatalf("run failed: %v", res.Err)
	}
	if strings.TrimSpace(res.Output) != "two words third" {
		t.Fatalf("quoting not honored: %q", res.Output)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	res := r.Run(context.Background(), `sh -c "exit 3"`, 0)
	if res.OK() {
		t.Fatalf("non-zero exit should fail")
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if res.TimedOut {
		t.Fatalf("exit failure flagged as timeout")
	}
}

func TestRunBadCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		command string
	}{
		{name: "unbalanced quote", command: `echo "oops`},
		{name: "blank", command: "   "},
		{name: "missing binary", command: "/no/such/binary-xyz"},
	}

	r := New(logx.Nop())
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := r.Run(context.Background(), tt.command, 0)
			if res.OK() {
				t.Fatalf("command %q should fail", tt.command)
			}
			if res.ExitCode != -1 {
				t.Fatalf("exit code = %d, want -1", res.ExitCode)
			}
		})
	}
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	start := time.Now()
	res := r.Run(context.Background(), "sleep 10", 100*time.Millisecond)
	if res.OK() {
		t.Fatalf("timed out run should fail")
	}
	if !res.TimedOut {
		t.Fatalf("TimedOut not set: %v", res.Err)
	}
	if took := time.Since(start); took > 5*time.Second {
		t.Fatalf("timeout did not kill the process (took %s)", took)
	}
}

func TestRunParentCancelIsNotATimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	r := New(logx.Nop())
	res := r.Run(ctx, "sleep 10", time.Minute)
	if res.OK() {
		t.Fatalf("cancelled run should fail")
	}
	if res.TimedOut {
		t.Fatalf("parent cancellation misreported as timeout")
	}
}

func TestRunOutputCap(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	res := r.Run(context.Background(), `sh -c "yes chime | head -n 4000"`, 0)
	if !res.OK() {
		t.Fatalf("run failed: %v", res.Err)
	}
	if !res.Truncated {
		t.Fatalf("output should be truncated")
	}
	if len(res.Output) != maxOutputBytes {
		t.Fatalf("output length = %d, want %d", len(res.Output), maxOutputBytes)
	}
}

func TestRunExtraEnv(t *testing.T) {
	t.Parallel()

	r := New(logx.Nop())
	res := r.Run(context.Background(), `sh -c "echo $CHIMED_TIMER"`, 0, "CHIMED_TIMER=backup")
	if !res.OK() {
		t.Fatalf("run failed: %v", res.Err)
	}
	if strings.TrimSpace(res.Output) != "backup" {
		t.Fatalf("extra env not passed: %q", res.Output)
	}
}
