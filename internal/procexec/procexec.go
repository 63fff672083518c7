// Package procexec supervises external commands: bounded one-shot execution
// with captured output, and long-running processes with streamed output and
// guaranteed teardown. Commands run in their own process group so signals
// reach the shell and everything it spawned.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const (
	// DefaultGrace is the window between SIGTERM and SIGKILL escalation.
	DefaultGrace = 2 * time.Second

	// DefaultOutputLimit caps each captured output stream. Runaway build
	// output gets truncated, not buffered without bound.
	DefaultOutputLimit = 50 * 1024 * 1024
)

// Cmd describes a one-shot supervised command.
type Cmd struct {
	Argv    []string
	Dir     string
	Env     map[string]string // appended to the inherited environment
	Timeout time.Duration     // required; the enforced deadline
	Grace   time.Duration     // TERM-to-KILL window; zero means DefaultGrace
}

// Command builds a Cmd from an executable and its arguments.
func Command(name string, args ...string) Cmd {
	return Cmd{Argv: append([]string{name}, args...)}
}

// Shell builds a Cmd that runs command through sh -c.
func Shell(command string) Cmd {
	return Cmd{Argv: []string{"sh", "-c", command}}
}

// Result is the outcome of a one-shot command. Non-zero exits and timeouts
// are reported here, never as errors: callers branch on the fields.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int // -1 when the process died to a signal or never ran
	TimedOut bool
	Duration time.Duration
}

// Success reports a clean zero exit within the deadline.
func (r Result) Success() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// MissingToolError reports an external tool absent from PATH, with an
// install hint for the operator.
type MissingToolError struct {
	Tool string
	Hint string
}

func (e *MissingToolError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("%s not found in PATH", e.Tool)
	}
	return fmt.Sprintf("%s not found in PATH (%s)", e.Tool, e.Hint)
}

// EnsureTool checks that an external binary is resolvable before a profile
// commits to a path that needs it.
func EnsureTool(tool, hint string) error {
	if _, err := exec.LookPath(tool); err != nil {
		return &MissingToolError{Tool: tool, Hint: hint}
	}
	return nil
}

// Runner executes supervised commands.
type Runner struct {
	logger      *slog.Logger
	outputLimit int
}

// NewRunner creates a Runner with the default output cap.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger, outputLimit: DefaultOutputLimit}
}

// WithOutputLimit overrides the per-stream capture cap. For tests.
func (r *Runner) WithOutputLimit(limit int) *Runner {
	r.outputLimit = limit
	return r
}

// Run executes the command and waits for it to finish or hit its deadline.
// On deadline the process group gets SIGTERM, then SIGKILL once the grace
// window lapses. Start failures (missing binary, bad dir) come back as a
// Result with ExitCode -1 and the error text on Stderr.
func (r *Runner) Run(ctx context.Context, spec Cmd) Result {
	grace := spec.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)

	stdout := &cappedBuffer{limit: r.outputLimit}
	stderr := &cappedBuffer{limit: r.outputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Own process group so teardown reaches children of the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return terminateGroup(cmd, grace)
	}

	start := time.Now()
	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}

	switch {
	case err == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Never started: missing binary, bad working dir, canceled
			// before exec. Surface the reason where step logs will show it.
			result.ExitCode = -1
			if result.Stderr == "" {
				result.Stderr = err.Error()
			}
		}
	}

	if stdout.dropped > 0 || stderr.dropped > 0 {
		r.logger.Warn("command output truncated",
			"command", spec.Argv[0],
			"stdout_dropped", stdout.dropped,
			"stderr_dropped", stderr.dropped,
		)
	}
	r.logger.Debug("command finished",
		"command", spec.Argv[0],
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"duration", result.Duration.Round(time.Millisecond),
	)

	return result
}

// terminateGroup delivers SIGTERM to the command's process group, then
// escalates to SIGKILL after the grace window. When the group cannot be
// signaled (already reaped, or the kernel refused the group signal) it
// falls back to the process itself.
func terminateGroup(cmd *exec.Cmd, grace time.Duration) error {
	if cmd.Process == nil {
		return nil
	}
	pgid := -cmd.Process.Pid

	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		if perr := cmd.Process.Signal(syscall.SIGTERM); perr != nil {
			return cmd.Process.Kill()
		}
	}

	go func() {
		time.Sleep(grace)
		// ESRCH from an already-dead group is harmless.
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
			_ = cmd.Process.Kill()
		}
	}()

	return nil
}

// mergedEnv appends extra vars to the inherited environment.
func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for name, value := range extra {
		env = append(env, name+"="+value)
	}
	return env
}

// cappedBuffer keeps at most limit bytes and counts everything it drops.
// Writes always report full success so the child never sees a pipe error.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.dropped += int64(len(p))
		return len(p), nil
	}
	if len(p) > room {
		b.dropped += int64(len(p) - room)
		b.buf.Write(p[:room])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
