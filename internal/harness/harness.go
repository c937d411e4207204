// Package harness spawns subprocesses (git, verification commands, the
// agent binary) with a timeout, bounded output capture and hard kill on
// expiry.
package harness

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxCapture bounds each captured stream so diagnostics stay available
// without unbounded memory growth.
const maxCapture = 64 * 1024

// Spec describes one subprocess invocation.
type Spec struct {
	Name    string
	Args    []string
	Dir     string
	Stdin   string
	Env     []string
	Timeout time.Duration
	// OnLine, when set, receives each stdout/stderr line as it is produced.
	OnLine func(stream string, line string)
}

// Result is the captured outcome of a subprocess run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Combined returns stdout and stderr joined for diagnostics.
func (r Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner abstracts subprocess execution so tests can script command results.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// ExecRunner runs subprocesses on the host via os/exec.
type ExecRunner struct {
	log *zap.Logger
}

// NewExecRunner creates the production runner.
func NewExecRunner(logger *zap.Logger) *ExecRunner {
	return &ExecRunner{log: logger.Named("harness")}
}

// Run executes the spec. On timeout the process is killed and the result
// carries TimedOut plus whatever output was captured before the kill.
func (r *ExecRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	if len(spec.Env) > 0 {
		cmd.Env = append(cmd.Env, spec.Env...)
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	// CommandContext sends SIGKILL when the context expires; no grace period.

	stdout := newTailBuffer(maxCapture, "stdout", spec.OnLine)
	stderr := newTailBuffer(maxCapture, "stderr", spec.OnLine)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		r.log.Warn("Subprocess timed out and was killed",
			zap.String("command", spec.Name),
			zap.Duration("timeout", spec.Timeout))
		return res, context.DeadlineExceeded
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, err
		}
		res.ExitCode = -1
		return res, err
	}

	res.ExitCode = 0
	return res, nil
}

// Shell builds a Spec that runs a command line through the platform shell.
func Shell(command, dir string, timeout time.Duration) Spec {
	if runtime.GOOS == "windows" {
		return Spec{Name: "cmd", Args: []string{"/C", command}, Dir: dir, Timeout: timeout}
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return Spec{Name: shell, Args: []string{"-c", command}, Dir: dir, Timeout: timeout}
}

// tailBuffer keeps the last capacity bytes written and optionally emits
// whole lines to a callback.
type tailBuffer struct {
	buf    []byte
	cap    int
	stream string
	onLine func(stream, line string)
	// pending holds an incomplete trailing line between writes.
	pending strings.Builder
}

var _ io.Writer = (*tailBuffer)(nil)

func newTailBuffer(capacity int, stream string, onLine func(string, string)) *tailBuffer {
	return &tailBuffer{cap: capacity, stream: stream, onLine: onLine}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.cap {
		t.buf = t.buf[len(t.buf)-t.cap:]
	}

	if t.onLine != nil {
		t.pending.Write(p)
		for {
			s := t.pending.String()
			idx := strings.IndexByte(s, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimRight(s[:idx], "\r")
			t.pending.Reset()
			t.pending.WriteString(s[idx+1:])
			t.onLine(t.stream, line)
		}
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
