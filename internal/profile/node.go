package profile

import (
	"context"
	"fmt"

	"github.com/pixelci/pixelci/internal/devport"
	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/procexec"
	"github.com/pixelci/pixelci/internal/runlog"
)

// runNode verifies a headless node service: clean install, optional build,
// then the test suite. No UI means no screenshot and no diff.
func (e *Executor) runNode(ctx context.Context, r *stepRunner) model.ProfileResult {
	buildLog, err := r.log(runlog.KindBuild)
	if err != nil {
		return r.failf("open build log", err)
	}
	workDir := r.pctx.WorkDir

	if err := r.step(ctx, "install", func(ctx context.Context) error {
		argv := devport.InstallCommand(workDir)
		if argv == nil {
			return fmt.Errorf("no package.json at working tree root")
		}
		return cmdError("dependency install", r.runLogged(ctx, buildLog, procexec.Cmd{
			Argv:    argv,
			Dir:     workDir,
			Timeout: e.timeouts.Install,
		}))
	}); err != nil {
		return r.failf("install", err)
	}

	// A build script is optional for services; a broken one is worth a
	// warning but the tests decide the verdict.
	if devport.HasScript(workDir, "build") {
		r.softStep(ctx, "build", func(ctx context.Context) error {
			return cmdError("npm run build", r.runLogged(ctx, buildLog, procexec.Cmd{
				Argv:    []string{"npm", "run", "build"},
				Dir:     workDir,
				Timeout: e.timeouts.Build,
			}))
		})
	}

	if !devport.HasScript(workDir, "test") {
		e.logger.Info("no test script, skipping tests", "repo", r.pctx.RepoFullName)
		return r.success()
	}

	// The suite's output is the service's observable runtime behavior, so it
	// lands in the runtime log as well as the build log.
	runtimeLog, err := r.log(runlog.KindRuntime)
	if err != nil {
		return r.failf("open runtime log", err)
	}
	if err := r.step(ctx, "test", func(ctx context.Context) error {
		res := r.runLoggedAll(ctx, procexec.Cmd{
			Argv:    []string{"npm", "test"},
			Dir:     workDir,
			Env:     map[string]string{"CI": "true"},
			Timeout: e.timeouts.Test,
		}, buildLog, runtimeLog)
		if err := cmdError("npm test", res); err != nil {
			return fmt.Errorf("Tests failed: %v", err)
		}
		return nil
	}); err != nil {
		return r.failure(err.Error())
	}

	return r.success()
}
