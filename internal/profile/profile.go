// Package profile executes the build-and-verify recipe for each supported
// project shape. A profile takes a synced working tree and produces logs,
// a screenshot when the shape has a UI, and a success or failure verdict.
//
// Profiles never return Go errors. Every failure mode, including a panic,
// is folded into the result so the pipeline always has something to
// record and notify about.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pixelci/pixelci/internal/clock"
	"github.com/pixelci/pixelci/internal/devport"
	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/procexec"
	"github.com/pixelci/pixelci/internal/runlog"
)

// Timeouts bound each class of profile step. Zero fields get defaults.
type Timeouts struct {
	Install time.Duration
	Build   time.Duration
	Test    time.Duration
	Ready   time.Duration // dev server readiness
	Capture time.Duration
	Boot    time.Duration // simulator boot
	Render  time.Duration // settle time between ready and capture
}

func (t Timeouts) withDefaults() Timeouts {
	def := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&t.Install, 5*time.Minute)
	def(&t.Build, 10*time.Minute)
	def(&t.Test, 5*time.Minute)
	def(&t.Ready, 90*time.Second)
	def(&t.Capture, 30*time.Second)
	def(&t.Boot, 2*time.Minute)
	def(&t.Render, 6*time.Second)
	return t
}

// Executor dispatches profile runs.
type Executor struct {
	runner   *procexec.Runner
	detector *devport.Detector
	clock    clock.Clock
	logger   *slog.Logger
	cacheDir string
	timeouts Timeouts
}

// New builds an Executor. cacheDir holds cross-run state such as dependency
// install markers; an empty cacheDir disables that caching.
func New(runner *procexec.Runner, detector *devport.Detector, c clock.Clock, logger *slog.Logger, cacheDir string, timeouts Timeouts) *Executor {
	return &Executor{
		runner:   runner,
		detector: detector,
		clock:    c,
		logger:   logger,
		cacheDir: cacheDir,
		timeouts: timeouts.withDefaults(),
	}
}

// Run executes the profile for kind against the prepared working tree.
// The result always has Status success or failure; failures carry a
// non-empty ErrorMessage. A panicking profile is caught here and reported
// as a failure rather than taking the worker down.
func (e *Executor) Run(ctx context.Context, kind model.ProfileKind, pctx model.ProfileContext) (result model.ProfileResult) {
	r := newStepRunner(e, pctx)
	defer r.closeLogs()

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("profile panicked",
				"profile", kind,
				"repo", pctx.RepoFullName,
				"branch", pctx.Branch,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			result = r.failure(fmt.Sprintf("profile %s panicked: %v", kind, rec))
		}
	}()

	e.logger.Info("profile started",
		"profile", kind,
		"repo", pctx.RepoFullName,
		"branch", pctx.Branch,
		"run_id", pctx.RunID,
	)

	switch kind {
	case model.ProfileNodeService:
		result = e.runNode(ctx, r)
	case model.ProfileIOSCapacitor:
		result = e.runIOS(ctx, r)
	case model.ProfileTauriApp:
		result = e.runTauri(ctx, r)
	case model.ProfileWebGeneric:
		result = e.runWeb(ctx, r)
	case model.ProfileAndroidCapacitor:
		result = r.failure("android-capacitor profile is not implemented yet")
	case model.ProfileCustom:
		result = r.failure("custom profiles are not implemented yet")
	default:
		result = r.failure(fmt.Sprintf("unknown profile %q", kind))
	}

	e.logger.Info("profile finished",
		"profile", kind,
		"repo", pctx.RepoFullName,
		"branch", pctx.Branch,
		"status", result.Status,
		"error", result.ErrorMessage,
	)
	return result
}

// stepRunner accumulates per-step timings, log writers, and artifact paths
// across one profile run.
type stepRunner struct {
	e          *Executor
	pctx       model.ProfileContext
	durations  map[string]time.Duration
	screenshot string

	buildLog   *runlog.Writer
	runtimeLog *runlog.Writer
	networkLog *runlog.Writer
}

func newStepRunner(e *Executor, pctx model.ProfileContext) *stepRunner {
	return &stepRunner{e: e, pctx: pctx, durations: map[string]time.Duration{}}
}

// step times fn and records the duration under name. The error is passed
// through untouched; callers decide whether it is fatal.
func (r *stepRunner) step(ctx context.Context, name string, fn func(context.Context) error) error {
	start := r.e.clock.Now()
	err := fn(ctx)
	elapsed := r.e.clock.Now().Sub(start)
	r.durations[name] = elapsed

	if err != nil {
		r.e.logger.Warn("profile step failed",
			"step", name,
			"repo", r.pctx.RepoFullName,
			"duration", elapsed.Round(time.Millisecond),
			"error", err,
		)
		return err
	}
	r.e.logger.Debug("profile step done",
		"step", name,
		"repo", r.pctx.RepoFullName,
		"duration", elapsed.Round(time.Millisecond),
	)
	return nil
}

// softStep is step for stages whose failure should not fail the run.
func (r *stepRunner) softStep(ctx context.Context, name string, fn func(context.Context) error) {
	_ = r.step(ctx, name, fn)
}

func (r *stepRunner) success() model.ProfileResult {
	res := r.base()
	res.Status = model.RunStatusSuccess
	return res
}

func (r *stepRunner) failure(msg string) model.ProfileResult {
	if msg == "" {
		msg = "profile failed"
	}
	res := r.base()
	res.Status = model.RunStatusFailure
	res.ErrorMessage = msg
	return res
}

func (r *stepRunner) failf(step string, err error) model.ProfileResult {
	return r.failure(fmt.Sprintf("%s: %v", step, err))
}

func (r *stepRunner) base() model.ProfileResult {
	res := model.ProfileResult{
		ScreenshotPath: r.screenshot,
		StepDurations:  r.durations,
	}
	if r.buildLog != nil {
		res.BuildLogPath = r.buildLog.Path()
	}
	if r.runtimeLog != nil {
		res.RuntimeLogPath = r.runtimeLog.Path()
	}
	if r.networkLog != nil {
		res.NetworkLogPath = r.networkLog.Path()
	}
	return res
}

// log lazily opens the writer for one log kind. Opening can only fail on
// filesystem trouble; that is worth failing the step that needed the log.
func (r *stepRunner) log(kind runlog.Kind) (*runlog.Writer, error) {
	var slot **runlog.Writer
	switch kind {
	case runlog.KindBuild:
		slot = &r.buildLog
	case runlog.KindRuntime:
		slot = &r.runtimeLog
	case runlog.KindNetwork:
		slot = &r.networkLog
	default:
		return nil, fmt.Errorf("unknown log kind %q", kind)
	}
	if *slot != nil {
		return *slot, nil
	}
	w, err := runlog.Open(r.pctx.LogDir, kind)
	if err != nil {
		return nil, err
	}
	*slot = w
	return w, nil
}

func (r *stepRunner) closeLogs() {
	for _, w := range []*runlog.Writer{r.buildLog, r.runtimeLog, r.networkLog} {
		if w != nil {
			_ = w.Close()
		}
	}
}

// runLogged executes spec and appends the invocation and its output to log.
func (r *stepRunner) runLogged(ctx context.Context, log *runlog.Writer, spec procexec.Cmd) procexec.Result {
	return r.runLoggedAll(ctx, spec, log)
}

// runLoggedAll is runLogged for output that belongs in more than one log,
// such as a test run whose output is both build and runtime evidence.
func (r *stepRunner) runLoggedAll(ctx context.Context, spec procexec.Cmd, logs ...*runlog.Writer) procexec.Result {
	for _, log := range logs {
		log.Line("$ %s", strings.Join(spec.Argv, " "))
	}
	res := r.e.runner.Run(ctx, spec)
	for _, log := range logs {
		if res.Stdout != "" {
			_, _ = log.Write([]byte(res.Stdout))
		}
		if res.Stderr != "" {
			_, _ = log.Write([]byte(res.Stderr))
		}
		log.Line("exit=%d duration=%s", res.ExitCode, res.Duration.Round(time.Millisecond))
	}
	return res
}

// cmdError turns a failed Result into a step error carrying the tail of
// stderr, which is where build tools put the reason.
func cmdError(op string, res procexec.Result) error {
	if res.Success() {
		return nil
	}
	if res.TimedOut {
		return fmt.Errorf("%s timed out after %s", op, res.Duration.Round(time.Second))
	}
	detail := lastLines(res.Stderr, 3)
	if detail == "" {
		detail = lastLines(res.Stdout, 3)
	}
	if detail == "" {
		return fmt.Errorf("%s exited %d", op, res.ExitCode)
	}
	return fmt.Errorf("%s exited %d: %s", op, res.ExitCode, detail)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return ""
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " / ")
}

// renderWait pauses between server-ready and capture so the page settles.
func (r *stepRunner) renderWait() {
	wait := r.e.timeouts.Render
	if r.pctx.Options.RenderWait > 0 {
		wait = r.pctx.Options.RenderWait
	}
	r.e.clock.Sleep(wait)
}
