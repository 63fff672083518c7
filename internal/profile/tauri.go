package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/procexec"
	"github.com/pixelci/pixelci/internal/runlog"
	"github.com/pixelci/pixelci/internal/strategy"
)

// Cargo announces the end of the compile; only after that does the app
// window exist.
var tauriReadyPattern = regexp.MustCompile(`Finished\s`)

// runTauri boots a tauri app in dev mode and captures its window.
func (e *Executor) runTauri(ctx context.Context, r *stepRunner) model.ProfileResult {
	if _, err := os.Stat(filepath.Join(r.pctx.WorkDir, "src-tauri")); err != nil {
		return r.failure("src-tauri directory missing; not a tauri project")
	}
	if err := procexec.EnsureTool("cargo", "install the rust toolchain"); err != nil {
		return r.failf("tauri tooling", err)
	}

	if err := r.step(ctx, "install", r.ensureNodeDeps); err != nil {
		return r.failf("install", err)
	}

	runtimeLog, err := r.log(runlog.KindRuntime)
	if err != nil {
		return r.failf("open runtime log", err)
	}

	argv := []string{"npx", "tauri", "dev"}
	if r.pctx.Options.DevCommand != "" {
		argv = []string{"sh", "-c", r.pctx.Options.DevCommand}
	}

	proc, err := e.runner.Spawn(ctx, procexec.SpawnSpec{
		Argv:   argv,
		Dir:    r.pctx.WorkDir,
		Output: runtimeLog,
	})
	if err != nil {
		return r.failf("start dev app", err)
	}
	defer proc.Kill()

	// The window usually appears moments after cargo finishes; if the
	// pattern never shows we still try to capture whatever is on screen.
	r.softStep(ctx, "await app window", func(ctx context.Context) error {
		waitCtx, cancel := context.WithTimeout(ctx, e.timeouts.Ready)
		defer cancel()
		_, err := proc.WaitForPattern(waitCtx, r.readyPattern(tauriReadyPattern))
		return err
	})

	r.renderWait()

	shot := filepath.Join(r.pctx.ScreenshotDir, "screenshot.png")
	if err := r.step(ctx, "capture", func(ctx context.Context) error {
		if err := os.MkdirAll(r.pctx.ScreenshotDir, 0o755); err != nil {
			return err
		}
		return e.captureWindow(ctx, r.appName(), shot)
	}); err != nil {
		return r.failf("capture", err)
	}
	r.screenshot = shot

	return r.success()
}

// readyPattern compiles the per-repo override, falling back to def when it
// is absent or invalid.
func (r *stepRunner) readyPattern(def *regexp.Regexp) *regexp.Regexp {
	if r.pctx.Options.ReadyPattern == "" {
		return def
	}
	re, err := regexp.Compile(r.pctx.Options.ReadyPattern)
	if err != nil {
		r.e.logger.Warn("invalid ready_pattern, using default",
			"repo", r.pctx.RepoFullName,
			"pattern", r.pctx.Options.ReadyPattern,
			"error", err,
		)
		return def
	}
	return re
}

// appName is the window owner screenshots target: the configured override,
// then the tauri product name, then the repository name.
func (r *stepRunner) appName() string {
	if r.pctx.Options.AppName != "" {
		return r.pctx.Options.AppName
	}
	if name := tauriProductName(r.pctx.WorkDir); name != "" {
		return name
	}
	return filepath.Base(r.pctx.RepoFullName)
}

func tauriProductName(workDir string) string {
	raw, err := os.ReadFile(filepath.Join(workDir, "src-tauri", "tauri.conf.json"))
	if err != nil {
		return ""
	}
	var conf struct {
		ProductName string `json:"productName"`
	}
	if err := json.Unmarshal(raw, &conf); err != nil {
		return ""
	}
	return conf.ProductName
}

// captureWindow grabs the app's window region when its bounds can be read,
// otherwise the whole screen.
func (e *Executor) captureWindow(ctx context.Context, appName, dst string) error {
	steps := []strategy.Step[string]{
		{
			Name: "window region",
			Try: func(ctx context.Context) (string, strategy.Outcome, error) {
				bounds, err := e.windowBounds(ctx, appName)
				if err != nil {
					return "", strategy.SoftFail, err
				}
				res := e.runner.Run(ctx, procexec.Cmd{
					Argv:    []string{"screencapture", "-x", "-R" + bounds, dst},
					Timeout: e.timeouts.Capture,
				})
				if err := cmdError("screencapture", res); err != nil {
					return "", strategy.SoftFail, err
				}
				return dst, strategy.Success, nil
			},
		},
		{
			Name: "full screen",
			Try: func(ctx context.Context) (string, strategy.Outcome, error) {
				res := e.runner.Run(ctx, procexec.Cmd{
					Argv:    []string{"screencapture", "-x", dst},
					Timeout: e.timeouts.Capture,
				})
				if err := cmdError("screencapture", res); err != nil {
					return "", strategy.SoftFail, err
				}
				return dst, strategy.Success, nil
			},
		},
	}

	_, method, err := strategy.Run(ctx, steps)
	if err != nil {
		return err
	}
	e.logger.Debug("window captured", "app", appName, "method", method)
	return nil
}

// windowBounds asks System Events for the app window's position and size,
// formatted for screencapture -R.
func (e *Executor) windowBounds(ctx context.Context, appName string) (string, error) {
	script := fmt.Sprintf(
		`tell application "System Events" to get {position, size} of window 1 of process %q`, appName)
	res := e.runner.Run(ctx, procexec.Cmd{
		Argv:    []string{"osascript", "-e", script},
		Timeout: 15 * time.Second,
	})
	if err := cmdError("osascript", res); err != nil {
		return "", err
	}
	return parseBounds(res.Stdout)
}

// parseBounds converts osascript's "x, y, w, h" into screencapture's
// "x,y,w,h".
func parseBounds(out string) (string, error) {
	parts := strings.Split(strings.TrimSpace(out), ",")
	if len(parts) != 4 {
		return "", fmt.Errorf("unexpected window bounds %q", strings.TrimSpace(out))
	}
	nums := make([]string, 4)
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return "", fmt.Errorf("unexpected window bounds %q", strings.TrimSpace(out))
		}
		nums[i] = strconv.Itoa(n)
	}
	return strings.Join(nums, ","), nil
}
