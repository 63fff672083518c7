package profile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelci/pixelci/internal/clock"
	"github.com/pixelci/pixelci/internal/devport"
	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/procexec"
	"github.com/pixelci/pixelci/internal/runlog"
)

func testExecutor(t *testing.T, cacheDir string) *Executor {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	runner := procexec.NewRunner(logger)
	return New(runner, devport.NewDetector(runner, clock.Real(), logger), clock.Real(), logger, cacheDir, Timeouts{})
}

func testContext(t *testing.T, workDir string) model.ProfileContext {
	t.Helper()
	base := t.TempDir()
	return model.ProfileContext{
		RepoFullName:  "acme/web",
		Branch:        "main",
		RunID:         "run-1",
		WorkDir:       workDir,
		LogDir:        filepath.Join(base, "logs"),
		ScreenshotDir: filepath.Join(base, "shots"),
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestEnsureNodeDeps_CacheHitSkipsInstall(t *testing.T) {
	e := testExecutor(t, t.TempDir())
	workDir := t.TempDir()
	writeFile(t, workDir, "package.json", `{}`)
	writeFile(t, workDir, "package-lock.json", `{"lockfileVersion": 3}`)
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "node_modules"), 0o755))

	key, err := lockfileKey(workDir)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	r := newStepRunner(e, testContext(t, workDir))
	marker := r.depsMarker()
	require.NotEmpty(t, marker)
	require.NoError(t, os.MkdirAll(filepath.Dir(marker), 0o755))
	require.NoError(t, os.WriteFile(marker, []byte(key), 0o644))

	require.NoError(t, r.ensureNodeDeps(context.Background()))

	// No install ran, so no build log was opened.
	assert.Nil(t, r.buildLog)
}

func TestDepsMarker(t *testing.T) {
	cache := t.TempDir()
	e := testExecutor(t, cache)

	r := newStepRunner(e, testContext(t, t.TempDir()))
	assert.Equal(t, filepath.Join(cache, "deps", "acme__web.deps"), r.depsMarker())

	// No cache directory means no marker and no install skipping.
	r = newStepRunner(testExecutor(t, ""), testContext(t, t.TempDir()))
	assert.Empty(t, r.depsMarker())
}

func TestLockfileKey(t *testing.T) {
	dir := t.TempDir()

	key, err := lockfileKey(dir)
	require.NoError(t, err)
	assert.Empty(t, key)

	writeFile(t, dir, "package-lock.json", `{"v": 1}`)
	key1, err := lockfileKey(dir)
	require.NoError(t, err)
	assert.Contains(t, key1, "package-lock.json:")

	writeFile(t, dir, "package-lock.json", `{"v": 2}`)
	key2, err := lockfileKey(dir)
	require.NoError(t, err)
	assert.NotEqual(t, key1, key2)
}

func TestChooseSimulator(t *testing.T) {
	list := simDeviceList{Devices: map[string][]simDevice{
		"ios-18": {
			{Name: "iPad Air", UDID: "pad", State: "Shutdown", IsAvailable: true},
			{Name: "iPhone 15", UDID: "i15", State: "Shutdown", IsAvailable: true},
			{Name: "iPhone 16 Pro", UDID: "i16p", State: "Shutdown", IsAvailable: false},
		},
	}}

	device, err := chooseSimulator(list)
	require.NoError(t, err)
	assert.Equal(t, "i15", device.UDID)
}

func TestChooseSimulator_BootedWins(t *testing.T) {
	list := simDeviceList{Devices: map[string][]simDevice{
		"ios-18": {
			{Name: "iPhone 16 Pro", UDID: "i16p", State: "Shutdown", IsAvailable: true},
			{Name: "iPhone 13 mini", UDID: "old", State: "Booted", IsAvailable: true},
		},
	}}

	device, err := chooseSimulator(list)
	require.NoError(t, err)
	assert.Equal(t, "old", device.UDID)
}

func TestChooseSimulator_FallsBackToAnyIPhone(t *testing.T) {
	list := simDeviceList{Devices: map[string][]simDevice{
		"ios-17": {
			{Name: "iPhone 14 Plus", UDID: "i14", State: "Shutdown", IsAvailable: true},
		},
	}}

	device, err := chooseSimulator(list)
	require.NoError(t, err)
	assert.Equal(t, "i14", device.UDID)
}

func TestChooseSimulator_NoneAvailable(t *testing.T) {
	_, err := chooseSimulator(simDeviceList{Devices: map[string][]simDevice{
		"ios-18": {{Name: "iPhone 15", UDID: "x", State: "Shutdown", IsAvailable: false}},
	}})

	assert.Error(t, err)
}

func TestParseBounds(t *testing.T) {
	got, err := parseBounds("100, 50, 1200, 800\n")
	require.NoError(t, err)
	assert.Equal(t, "100,50,1200,800", got)

	_, err = parseBounds("1, 2, 3")
	assert.Error(t, err)
	_, err = parseBounds("missing value, 2, 3, 4")
	assert.Error(t, err)
}

func TestTauriProductName(t *testing.T) {
	workDir := t.TempDir()
	assert.Empty(t, tauriProductName(workDir))

	writeFile(t, workDir, filepath.Join("src-tauri", "tauri.conf.json"), `{"productName": "Sketchbook"}`)
	assert.Equal(t, "Sketchbook", tauriProductName(workDir))
}

func TestAppNamePrecedence(t *testing.T) {
	e := testExecutor(t, "")
	workDir := t.TempDir()
	writeFile(t, workDir, filepath.Join("src-tauri", "tauri.conf.json"), `{"productName": "Sketchbook"}`)

	pctx := testContext(t, workDir)
	pctx.Options.AppName = "Override"
	assert.Equal(t, "Override", newStepRunner(e, pctx).appName())

	pctx.Options.AppName = ""
	assert.Equal(t, "Sketchbook", newStepRunner(e, pctx).appName())

	pctx.WorkDir = t.TempDir()
	assert.Equal(t, "web", newStepRunner(e, pctx).appName())
}

func TestReadyPattern_InvalidOverrideFallsBack(t *testing.T) {
	e := testExecutor(t, "")
	pctx := testContext(t, t.TempDir())
	pctx.Options.ReadyPattern = "([unclosed"

	r := newStepRunner(e, pctx)
	assert.Same(t, tauriReadyPattern, r.readyPattern(tauriReadyPattern))

	r.pctx.Options.ReadyPattern = `ready on port \d+`
	assert.True(t, r.readyPattern(tauriReadyPattern).MatchString("ready on port 3000"))
}

func TestAwaitDevServer_AnnouncedPortWins(t *testing.T) {
	e := testExecutor(t, "")
	r := newStepRunner(e, testContext(t, t.TempDir()))

	proc, err := e.runner.Spawn(context.Background(), procexec.SpawnSpec{
		Argv: []string{"sh", "-c", "sleep 0.2; echo 'Local: http://localhost:43310/'; sleep 10"},
	})
	require.NoError(t, err)
	defer proc.Kill()

	port, err := r.awaitDevServer(context.Background(), proc, 9999, 5*time.Second)

	require.NoError(t, err)
	assert.Equal(t, 43310, port)
}

func TestAwaitDevServer_ExitedServerReportsError(t *testing.T) {
	e := testExecutor(t, "")
	r := newStepRunner(e, testContext(t, t.TempDir()))

	proc, err := e.runner.Spawn(context.Background(), procexec.SpawnSpec{
		Argv: []string{"sh", "-c", "echo 'crash on startup' >&2; exit 1"},
	})
	require.NoError(t, err)

	_, err = r.awaitDevServer(context.Background(), proc, 9999, 5*time.Second)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited")
}

func TestRunLoggedAll_TeesToEveryLog(t *testing.T) {
	e := testExecutor(t, "")
	r := newStepRunner(e, testContext(t, t.TempDir()))
	defer r.closeLogs()

	buildLog, err := r.log(runlog.KindBuild)
	require.NoError(t, err)
	runtimeLog, err := r.log(runlog.KindRuntime)
	require.NoError(t, err)

	res := r.runLoggedAll(context.Background(), procexec.Cmd{
		Argv:    []string{"sh", "-c", "echo from-the-suite"},
		Timeout: 10 * time.Second,
	}, buildLog, runtimeLog)
	require.True(t, res.Success())
	r.closeLogs()

	for _, path := range []string{buildLog.Path(), runtimeLog.Path()} {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "from-the-suite")
	}
}

func TestCmdError(t *testing.T) {
	assert.NoError(t, cmdError("op", procexec.Result{ExitCode: 0}))

	err := cmdError("npm test", procexec.Result{ExitCode: 1, Stderr: "line1\nline2\nline3\nline4\n"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "npm test exited 1")
	assert.Contains(t, err.Error(), "line4")
	assert.NotContains(t, err.Error(), "line1")

	err = cmdError("build", procexec.Result{ExitCode: -1, TimedOut: true, Duration: 3 * time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestTimeoutsDefaults(t *testing.T) {
	got := Timeouts{Build: time.Minute}.withDefaults()

	assert.Equal(t, time.Minute, got.Build)
	assert.Equal(t, 5*time.Minute, got.Install)
	assert.Equal(t, 90*time.Second, got.Ready)
	assert.Equal(t, 6*time.Second, got.Render)
}
