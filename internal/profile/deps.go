package profile

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/pixelci/pixelci/internal/devport"
	"github.com/pixelci/pixelci/internal/procexec"
	"github.com/pixelci/pixelci/internal/runlog"
)

var lockfileNames = []string{"pnpm-lock.yaml", "yarn.lock", "package-lock.json"}

// ensureNodeDeps installs node dependencies unless the cache records an
// install of the current lockfile and node_modules is still present.
func (r *stepRunner) ensureNodeDeps(ctx context.Context) error {
	argv := devport.InstallCommand(r.pctx.WorkDir)
	if argv == nil {
		return fmt.Errorf("no package.json at working tree root")
	}

	marker := r.depsMarker()
	key, err := lockfileKey(r.pctx.WorkDir)
	if err != nil {
		r.e.logger.Debug("lockfile hash failed, installing anyway", "repo", r.pctx.RepoFullName, "error", err)
	}
	if key != "" && marker != "" {
		if prev, err := os.ReadFile(marker); err == nil && string(prev) == key {
			if _, err := os.Stat(filepath.Join(r.pctx.WorkDir, "node_modules")); err == nil {
				r.e.logger.Debug("dependency cache hit", "repo", r.pctx.RepoFullName)
				return nil
			}
		}
	}

	log, err := r.log(runlog.KindBuild)
	if err != nil {
		return err
	}
	res := r.runLogged(ctx, log, procexec.Cmd{
		Argv:    argv,
		Dir:     r.pctx.WorkDir,
		Timeout: r.e.timeouts.Install,
	})
	if err := cmdError("dependency install", res); err != nil {
		return err
	}

	if key != "" && marker != "" {
		if err := os.MkdirAll(filepath.Dir(marker), 0o755); err == nil {
			err = os.WriteFile(marker, []byte(key), 0o644)
		}
		if err != nil {
			r.e.logger.Debug("dependency marker write failed", "error", err)
		}
	}
	return nil
}

// depsMarker is the per-repository record of the last installed lockfile
// hash, kept under the executor's cache directory. Empty when no cache
// directory is configured, which disables install skipping.
func (r *stepRunner) depsMarker() string {
	if r.e.cacheDir == "" || r.pctx.RepoFullName == "" {
		return ""
	}
	name := strings.ReplaceAll(r.pctx.RepoFullName, "/", "__") + ".deps"
	return filepath.Join(r.e.cacheDir, "deps", name)
}

// lockfileKey hashes the first lockfile found. Empty key means the project
// has no lockfile and installs cannot be skipped safely.
func lockfileKey(workDir string) (string, error) {
	for _, name := range lockfileNames {
		raw, err := os.ReadFile(filepath.Join(workDir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		sum := blake3.Sum256(raw)
		return name + ":" + hex.EncodeToString(sum[:]), nil
	}
	return "", nil
}
