package profile

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pixelci/pixelci/internal/devport"
	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/procexec"
	"github.com/pixelci/pixelci/internal/runlog"
	"github.com/pixelci/pixelci/internal/strategy"
)

var chromeCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
}

var chromeAppPaths = []string{
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
}

// runWeb boots the project's dev server, waits for it to answer, and
// captures the rendered page headlessly.
func (e *Executor) runWeb(ctx context.Context, r *stepRunner) model.ProfileResult {
	if err := r.step(ctx, "install", r.ensureNodeDeps); err != nil {
		return r.failf("install", err)
	}

	runtimeLog, err := r.log(runlog.KindRuntime)
	if err != nil {
		return r.failf("open runtime log", err)
	}

	port := r.plannedPort()
	if port > 0 {
		// A dev server leaked by an earlier run may still hold the port.
		r.softStep(ctx, "reclaim port", func(ctx context.Context) error {
			return e.detector.Reclaim(ctx, port)
		})
	}

	proc, err := e.runner.Spawn(ctx, procexec.SpawnSpec{
		Argv: devport.DevCommand(r.pctx.WorkDir, r.pctx.Options.DevCommand),
		Dir:  r.pctx.WorkDir,
		Env: map[string]string{
			"PORT":    strconv.Itoa(port),
			"BROWSER": "none",
		},
		Output: runtimeLog,
	})
	if err != nil {
		return r.failf("start dev server", err)
	}
	defer proc.Kill()

	if err := r.step(ctx, "await dev server", func(ctx context.Context) error {
		actual, err := r.awaitDevServer(ctx, proc, port, e.timeouts.Ready)
		if err != nil {
			return err
		}
		port = actual
		return nil
	}); err != nil {
		return r.failf("await dev server", err)
	}

	r.renderWait()

	url := fmt.Sprintf("http://localhost:%d/", port)
	r.softStep(ctx, "network probe", func(ctx context.Context) error {
		return r.probeNetwork(ctx, url)
	})

	shot := filepath.Join(r.pctx.ScreenshotDir, "screenshot.png")
	if err := r.step(ctx, "capture", func(ctx context.Context) error {
		if err := os.MkdirAll(r.pctx.ScreenshotDir, 0o755); err != nil {
			return err
		}
		return e.capturePage(ctx, url, shot)
	}); err != nil {
		return r.failf("capture", err)
	}
	r.screenshot = shot

	return r.success()
}

// plannedPort resolves the port to expect before the server says anything:
// per-repo option, then the registry's configured port, then static
// detection from the manifest.
func (r *stepRunner) plannedPort() int {
	if r.pctx.Options.DevPort > 0 {
		return r.pctx.Options.DevPort
	}
	if r.pctx.DevPort > 0 {
		return r.pctx.DevPort
	}
	det := devport.DetectStatic(r.pctx.WorkDir)
	r.e.logger.Debug("dev port detected",
		"repo", r.pctx.RepoFullName,
		"port", det.Port,
		"confidence", det.Confidence,
		"source", det.Source,
	)
	return det.Port
}

// awaitDevServer waits until the server either announces a URL on its
// output, which may correct the expected port, or accepts a TCP
// connection on the expected one.
func (r *stepRunner) awaitDevServer(ctx context.Context, proc *procexec.Proc, port int, timeout time.Duration) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	re := r.readyPattern(devport.PortPattern)
	announced := make(chan int, 1)
	go func() {
		line, err := proc.WaitForPattern(waitCtx, re)
		if err != nil {
			return
		}
		if m := devport.PortPattern.FindStringSubmatch(line); m != nil {
			if p, err := strconv.Atoi(m[1]); err == nil {
				announced <- p
				return
			}
		}
		// Custom pattern matched without a URL in it.
		announced <- port
	}()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	for {
		select {
		case p := <-announced:
			return p, nil
		case <-proc.Done():
			return 0, fmt.Errorf("dev server exited before becoming ready: %v", proc.ExitErr())
		case <-waitCtx.Done():
			return 0, fmt.Errorf("dev server not ready after %s", timeout)
		case <-r.e.clock.After(300 * time.Millisecond):
			if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
				conn.Close()
				return port, nil
			}
		}
	}
}

// probeNetwork records the server's response headers in the network log.
func (r *stepRunner) probeNetwork(ctx context.Context, url string) error {
	networkLog, err := r.log(runlog.KindNetwork)
	if err != nil {
		return err
	}

	networkLog.Line("$ curl -sv %s", url)
	res := r.e.runner.Run(ctx, procexec.Cmd{
		Argv:    []string{"curl", "-sv", "-o", "/dev/null", "--max-time", "10", url},
		Timeout: 15 * time.Second,
	})
	if res.Stderr != "" {
		_, _ = networkLog.Write([]byte(res.Stderr))
	}
	return cmdError("curl", res)
}

// capturePage renders the page with headless chrome; on a mac without
// chrome the screen grab is better than nothing.
func (e *Executor) capturePage(ctx context.Context, url, dst string) error {
	steps := []strategy.Step[string]{
		{
			Name: "headless chrome",
			Try: func(ctx context.Context) (string, strategy.Outcome, error) {
				bin := chromeBinary()
				if bin == "" {
					return "", strategy.SoftFail, fmt.Errorf("no chrome or chromium binary found")
				}
				res := e.runner.Run(ctx, procexec.Cmd{
					Argv: []string{
						bin,
						"--headless=new",
						"--disable-gpu",
						"--hide-scrollbars",
						"--window-size=1440,900",
						"--virtual-time-budget=5000",
						"--screenshot=" + dst,
						url,
					},
					Timeout: e.timeouts.Capture,
				})
				if err := cmdError("chrome screenshot", res); err != nil {
					return "", strategy.SoftFail, err
				}
				if _, err := os.Stat(dst); err != nil {
					return "", strategy.SoftFail, fmt.Errorf("chrome exited cleanly but wrote no screenshot")
				}
				return dst, strategy.Success, nil
			},
		},
		{
			Name: "screen grab",
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
	e.logger.Debug("page captured", "url", url, "method", method)
	return nil
}

func chromeBinary() string {
	for _, name := range chromeCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	for _, path := range chromeAppPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
