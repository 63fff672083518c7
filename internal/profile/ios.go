package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/procexec"
	"github.com/pixelci/pixelci/internal/runlog"
)

// Tried in order when no simulator is already booted.
var preferredSimulators = []string{
	"iPhone 16 Pro",
	"iPhone 16",
	"iPhone 15 Pro",
	"iPhone 15",
	"iPhone SE (3rd generation)",
}

const deviceLogWindow = 5 * time.Second

type simDevice struct {
	Name        string `json:"name"`
	UDID        string `json:"udid"`
	State       string `json:"state"`
	IsAvailable bool   `json:"isAvailable"`
}

type simDeviceList struct {
	Devices map[string][]simDevice `json:"devices"`
}

// runIOS builds a capacitor iOS app, boots a simulator, runs the app on
// it, and captures the simulator screen.
func (e *Executor) runIOS(ctx context.Context, r *stepRunner) model.ProfileResult {
	if err := procexec.EnsureTool("xcrun", "requires Xcode command line tools"); err != nil {
		return r.failf("ios tooling", err)
	}
	if _, err := os.Stat(filepath.Join(r.pctx.WorkDir, "ios")); err != nil {
		return r.failure("ios platform directory missing; run npx cap add ios first")
	}

	buildLog, err := r.log(runlog.KindBuild)
	if err != nil {
		return r.failf("open build log", err)
	}

	if err := r.step(ctx, "install", r.ensureNodeDeps); err != nil {
		return r.failf("install", err)
	}

	if err := r.step(ctx, "capacitor sync", func(ctx context.Context) error {
		return cmdError("npx cap sync ios", r.runLogged(ctx, buildLog, procexec.Cmd{
			Argv:    []string{"npx", "cap", "sync", "ios"},
			Dir:     r.pctx.WorkDir,
			Timeout: e.timeouts.Build,
		}))
	}); err != nil {
		return r.failf("capacitor sync", err)
	}

	var device simDevice
	if err := r.step(ctx, "select simulator", func(ctx context.Context) error {
		d, err := e.pickSimulator(ctx)
		if err != nil {
			return err
		}
		device = d
		return nil
	}); err != nil {
		return r.failf("select simulator", err)
	}

	if err := r.step(ctx, "boot simulator", func(ctx context.Context) error {
		return e.bootSimulator(ctx, device)
	}); err != nil {
		return r.failf("boot simulator", err)
	}

	// Launch failures are not fatal: the capture step decides the verdict,
	// and a stale build already on the simulator can still produce a
	// meaningful screenshot.
	r.softStep(ctx, "build and run app", func(ctx context.Context) error {
		return cmdError("npx cap run ios", r.runLogged(ctx, buildLog, procexec.Cmd{
			Argv:    []string{"npx", "cap", "run", "ios", "--target", device.UDID},
			Dir:     r.pctx.WorkDir,
			Timeout: e.timeouts.Build,
		}))
	})

	r.renderWait()

	shot := filepath.Join(r.pctx.ScreenshotDir, "screenshot.png")
	if err := r.step(ctx, "capture", func(ctx context.Context) error {
		if err := os.MkdirAll(r.pctx.ScreenshotDir, 0o755); err != nil {
			return err
		}
		return cmdError("simctl screenshot", e.runner.Run(ctx, procexec.Cmd{
			Argv:    []string{"xcrun", "simctl", "io", device.UDID, "screenshot", shot},
			Timeout: e.timeouts.Capture,
		}))
	}); err != nil {
		return r.failf("capture", err)
	}
	r.screenshot = shot

	r.softStep(ctx, "device log", func(ctx context.Context) error {
		return r.captureDeviceLog(ctx, device.UDID)
	})

	return r.success()
}

// pickSimulator finds a usable iPhone simulator: an already-booted device
// wins, then the preferred models, then anything called iPhone.
func (e *Executor) pickSimulator(ctx context.Context) (simDevice, error) {
	res := e.runner.Run(ctx, procexec.Cmd{
		Argv:    []string{"xcrun", "simctl", "list", "devices", "--json"},
		Timeout: 30 * time.Second,
	})
	if err := cmdError("simctl list devices", res); err != nil {
		return simDevice{}, err
	}

	var list simDeviceList
	if err := json.Unmarshal([]byte(res.Stdout), &list); err != nil {
		return simDevice{}, fmt.Errorf("parse simulator list: %w", err)
	}
	return chooseSimulator(list)
}

// chooseSimulator ranks the available devices: an already-booted device
// wins, then the preferred models in order, then anything called iPhone.
func chooseSimulator(list simDeviceList) (simDevice, error) {
	var available []simDevice
	for _, devices := range list.Devices {
		for _, d := range devices {
			if d.IsAvailable {
				available = append(available, d)
			}
		}
	}

	for _, d := range available {
		if d.State == "Booted" {
			return d, nil
		}
	}
	for _, want := range preferredSimulators {
		for _, d := range available {
			if d.Name == want {
				return d, nil
			}
		}
	}
	for _, d := range available {
		if strings.Contains(d.Name, "iPhone") {
			return d, nil
		}
	}
	return simDevice{}, fmt.Errorf("no available iPhone simulator")
}

// bootSimulator boots the device if needed and waits until it is usable.
// Booting an already-booted device is fine.
func (e *Executor) bootSimulator(ctx context.Context, device simDevice) error {
	if device.State != "Booted" {
		res := e.runner.Run(ctx, procexec.Cmd{
			Argv:    []string{"xcrun", "simctl", "boot", device.UDID},
			Timeout: e.timeouts.Boot,
		})
		if !res.Success() && !strings.Contains(res.Stderr, "current state: Booted") {
			return cmdError("simctl boot", res)
		}
	}

	return cmdError("simctl bootstatus", e.runner.Run(ctx, procexec.Cmd{
		Argv:    []string{"xcrun", "simctl", "bootstatus", device.UDID, "-b"},
		Timeout: e.timeouts.Boot,
	}))
}

// captureDeviceLog streams the simulator log into the runtime log for a
// short window after launch.
func (r *stepRunner) captureDeviceLog(ctx context.Context, udid string) error {
	runtimeLog, err := r.log(runlog.KindRuntime)
	if err != nil {
		return err
	}

	proc, err := r.e.runner.Spawn(ctx, procexec.SpawnSpec{
		Argv:   []string{"xcrun", "simctl", "spawn", udid, "log", "stream", "--style", "compact"},
		Output: runtimeLog,
	})
	if err != nil {
		return err
	}
	defer proc.Kill()

	select {
	case <-r.e.clock.After(deviceLogWindow):
	case <-proc.Done():
	case <-ctx.Done():
	}
	return nil
}
