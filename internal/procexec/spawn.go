package procexec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"
)

// recentLineWindow is how many output lines a Proc remembers so a pattern
// wait registered after the process already printed its banner still hits.
const recentLineWindow = 500

// SpawnSpec describes a long-running process: a dev server, a simulator log
// stream. Output lines are teed to Output as they arrive.
type SpawnSpec struct {
	Argv   []string
	Dir    string
	Env    map[string]string
	Output io.Writer     // receives every output line; may be nil
	Grace  time.Duration // TERM-to-KILL window; zero means DefaultGrace
}

// Spawn starts the process and returns a live handle. The caller owns the
// handle and must ensure Kill runs on every exit path.
func (r *Runner) Spawn(ctx context.Context, spec SpawnSpec) (*Proc, error) {
	grace := spec.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return terminateGroup(cmd, grace)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	p := &Proc{
		cmd:    cmd,
		logger: r.logger,
		grace:  grace,
		output: spec.Output,
		done:   make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go p.pump(stdout, &pumps)
	go p.pump(stderr, &pumps)

	go func() {
		pumps.Wait()
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	r.logger.Debug("process spawned", "command", spec.Argv[0], "pid", cmd.Process.Pid)
	return p, nil
}

// Proc is a handle to a spawned process. All methods are safe for
// concurrent use.
type Proc struct {
	cmd     *exec.Cmd
	logger  *slog.Logger
	grace   time.Duration
	output  io.Writer
	done    chan struct{}
	waitErr error

	mu       sync.Mutex
	killed   bool
	recent   []string
	watchers []*patternWatcher
}

type patternWatcher struct {
	re *regexp.Regexp
	ch chan string
}

// Pid returns the process ID.
func (p *Proc) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and its output is drained.
func (p *Proc) Done() <-chan struct{} { return p.done }

// pump reads one output stream line by line, tees it, remembers it, and
// feeds pattern watchers.
func (p *Proc) pump(stream io.Reader, pumps *sync.WaitGroup) {
	defer pumps.Done()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		p.mu.Lock()
		if p.output != nil {
			_, _ = io.WriteString(p.output, line+"\n")
		}
		p.recent = append(p.recent, line)
		if len(p.recent) > recentLineWindow {
			p.recent = p.recent[len(p.recent)-recentLineWindow:]
		}
		remaining := p.watchers[:0]
		for _, w := range p.watchers {
			if w.re.MatchString(line) {
				w.ch <- line
			} else {
				remaining = append(remaining, w)
			}
		}
		p.watchers = remaining
		p.mu.Unlock()
	}
}

// WaitForPattern blocks until an output line matches re, the process exits,
// or ctx is done. Lines printed before the call are replayed from the
// recent-line window so early banners are not missed.
func (p *Proc) WaitForPattern(ctx context.Context, re *regexp.Regexp) (string, error) {
	p.mu.Lock()
	for _, line := range p.recent {
		if re.MatchString(line) {
			p.mu.Unlock()
			return line, nil
		}
	}
	w := &patternWatcher{re: re, ch: make(chan string, 1)}
	p.watchers = append(p.watchers, w)
	p.mu.Unlock()

	select {
	case line := <-w.ch:
		return line, nil
	case <-p.done:
		// The pump may have matched in its final lines before exit.
		select {
		case line := <-w.ch:
			return line, nil
		default:
		}
		return "", fmt.Errorf("process exited before output matched %q", re.String())
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Kill initiates teardown of the whole process group: SIGTERM now, SIGKILL
// after the grace window. Idempotent; it does not wait for exit.
func (p *Proc) Kill() {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return
	}
	p.killed = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return
	default:
	}

	_ = terminateGroup(p.cmd, p.grace)
}

// WaitExit blocks until the process has been reaped or ctx is done.
func (p *Proc) WaitExit(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitErr returns the Wait error once the process has exited, nil for a
// clean zero exit. Valid only after WaitExit has returned nil.
func (p *Proc) ExitErr() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return fmt.Errorf("process %d still running", p.Pid())
	}
}
