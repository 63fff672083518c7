// Package devport infers which TCP port a node project's dev server will
// bind, and owns the small amount of package-manifest knowledge the rest
// of the system needs (install commands, dev scripts).
//
// Static detection reads package.json and answers in confidence tiers:
// an explicit port in a script beats a framework default, which beats the
// catch-all. Dynamic detection actually boots the dev server and scans
// its output for the announced URL.
package devport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pixelci/pixelci/internal/clock"
	"github.com/pixelci/pixelci/internal/procexec"
)

// Confidence says how a port was determined.
type Confidence string

const (
	ConfidenceExplicit  Confidence = "explicit"  // port literal in a script
	ConfidenceFramework Confidence = "framework" // known framework default
	ConfidenceDefault   Confidence = "default"   // nothing better found
)

// DefaultPort is the fallback when no signal is found.
const DefaultPort = 3000

// Detection is a static port guess.
type Detection struct {
	Port       int
	Confidence Confidence
	Source     string // script or dependency that produced the guess
}

// PortPattern matches a dev server announcing its local URL.
var PortPattern = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0):(\d{2,5})`)

var scriptPortPatterns = []*regexp.Regexp{
	regexp.MustCompile(`--port[= ](\d{2,5})`),
	regexp.MustCompile(`-p +(\d{2,5})`),
	regexp.MustCompile(`PORT=(\d{2,5})`),
}

// Checked in order; first dependency hit wins.
var frameworkPorts = []struct {
	dep  string
	port int
}{
	{"vite", 5173},
	{"next", 3000},
	{"nuxt", 3000},
	{"react-scripts", 3000},
	{"@angular/cli", 4200},
	{"@sveltejs/kit", 5173},
	{"svelte", 5173},
	{"astro", 4321},
}

var devScriptOrder = []string{"dev", "start", "serve", "preview"}

type packageManifest struct {
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func readManifest(workDir string) (*packageManifest, error) {
	raw, err := os.ReadFile(filepath.Join(workDir, "package.json"))
	if err != nil {
		return nil, err
	}
	var m packageManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	return &m, nil
}

// DetectStatic guesses the dev server port without running anything.
// It never fails; an unreadable manifest lands in the default tier.
func DetectStatic(workDir string) Detection {
	m, err := readManifest(workDir)
	if err != nil {
		return Detection{Port: DefaultPort, Confidence: ConfidenceDefault}
	}

	for _, name := range devScriptOrder {
		script, ok := m.Scripts[name]
		if !ok {
			continue
		}
		for _, pat := range scriptPortPatterns {
			if match := pat.FindStringSubmatch(script); match != nil {
				if port, err := strconv.Atoi(match[1]); err == nil {
					return Detection{Port: port, Confidence: ConfidenceExplicit, Source: name}
				}
			}
		}
	}

	for _, fw := range frameworkPorts {
		if _, ok := m.Dependencies[fw.dep]; ok {
			return Detection{Port: fw.port, Confidence: ConfidenceFramework, Source: fw.dep}
		}
		if _, ok := m.DevDependencies[fw.dep]; ok {
			return Detection{Port: fw.port, Confidence: ConfidenceFramework, Source: fw.dep}
		}
	}

	return Detection{Port: DefaultPort, Confidence: ConfidenceDefault}
}

// InstallCommand picks the dependency install invocation from the
// lockfile present in workDir. Nil when the project has no node manifest.
func InstallCommand(workDir string) []string {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(workDir, name))
		return err == nil
	}

	if !exists("package.json") {
		return nil
	}
	switch {
	case exists("pnpm-lock.yaml"):
		return []string{"pnpm", "install"}
	case exists("yarn.lock"):
		return []string{"yarn", "install"}
	case exists("package-lock.json"):
		return []string{"npm", "ci"}
	default:
		return []string{"npm", "install"}
	}
}

// DevCommand returns the dev server invocation for the project, honoring
// an override. The manifest's first known dev-style script is used;
// projects without one fall back to npm run dev anyway, which surfaces a
// clear npm error in the logs.
func DevCommand(workDir, override string) []string {
	if override != "" {
		return []string{"sh", "-c", override}
	}
	m, err := readManifest(workDir)
	if err == nil {
		for _, name := range devScriptOrder {
			if _, ok := m.Scripts[name]; ok {
				return []string{"npm", "run", name}
			}
		}
	}
	return []string{"npm", "run", "dev"}
}

// HasScript reports whether package.json declares the named script.
func HasScript(workDir, name string) bool {
	m, err := readManifest(workDir)
	if err != nil {
		return false
	}
	_, ok := m.Scripts[name]
	return ok
}

// Detector runs the dynamic probes that need a process supervisor.
type Detector struct {
	runner *procexec.Runner
	clock  clock.Clock
	logger *slog.Logger
}

func NewDetector(runner *procexec.Runner, c clock.Clock, logger *slog.Logger) *Detector {
	return &Detector{runner: runner, clock: c, logger: logger}
}

// DetectDynamic boots the dev server and watches its output for the URL
// it announces. The server is always torn down before returning.
func (d *Detector) DetectDynamic(ctx context.Context, workDir string, argv []string, wait time.Duration) (int, error) {
	proc, err := d.runner.Spawn(ctx, procexec.SpawnSpec{Argv: argv, Dir: workDir})
	if err != nil {
		return 0, fmt.Errorf("start dev server: %w", err)
	}
	defer proc.Kill()

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	line, err := proc.WaitForPattern(waitCtx, PortPattern)
	if err != nil {
		return 0, fmt.Errorf("dev server never announced a URL: %w", err)
	}

	match := PortPattern.FindStringSubmatch(line)
	port, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, fmt.Errorf("parse port from %q: %w", line, err)
	}

	d.logger.Info("dev server port detected", "port", port, "line", strings.TrimSpace(line))
	return port, nil
}

// Reclaim frees a port by terminating whatever listens on it. TERM first,
// then KILL for anything still alive after the grace period.
func (d *Detector) Reclaim(ctx context.Context, port int) error {
	pids := d.listeners(ctx, port)
	if len(pids) == 0 {
		return nil
	}

	d.logger.Warn("port in use, reclaiming", "port", port, "pids", pids)
	d.signal(ctx, pids, "-TERM")
	d.clock.Sleep(500 * time.Millisecond)

	if pids = d.listeners(ctx, port); len(pids) > 0 {
		d.signal(ctx, pids, "-KILL")
		d.clock.Sleep(200 * time.Millisecond)
	}

	if pids = d.listeners(ctx, port); len(pids) > 0 {
		return fmt.Errorf("port %d still held by pids %v", port, pids)
	}
	return nil
}

func (d *Detector) listeners(ctx context.Context, port int) []string {
	res := d.runner.Run(ctx, procexec.Cmd{
		Argv:    []string{"lsof", "-ti", fmt.Sprintf("tcp:%d", port)},
		Timeout: 10 * time.Second,
	})
	// lsof exits 1 when nothing matches.
	if !res.Success() {
		return nil
	}
	return parsePids(res.Stdout)
}

func (d *Detector) signal(ctx context.Context, pids []string, sig string) {
	for _, pid := range pids {
		res := d.runner.Run(ctx, procexec.Cmd{
			Argv:    []string{"kill", sig, pid},
			Timeout: 5 * time.Second,
		})
		if !res.Success() {
			d.logger.Debug("kill failed", "pid", pid, "signal", sig, "stderr", strings.TrimSpace(res.Stderr))
		}
	}
}

func parsePids(out string) []string {
	var pids []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			pids = append(pids, line)
		}
	}
	return pids
}
