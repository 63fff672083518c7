// Package gitsync keeps local working trees in step with their remotes. All
// git work shells out through the process supervisor; every command carries
// a deadline and failed state transitions walk a fixed recovery ladder
// before giving up.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pixelci/pixelci/internal/clock"
	"github.com/pixelci/pixelci/internal/devport"
	"github.com/pixelci/pixelci/internal/procexec"
	"github.com/pixelci/pixelci/internal/retry"
)

// Sentinel errors.
var (
	// ErrTokenNotConfigured means no clone credential is available; callers
	// fail fast instead of attempting an anonymous clone.
	ErrTokenNotConfigured = errors.New("github token not configured")

	// ErrRecoveryExhausted means the working tree could not be forced back
	// to the remote state even after cleaning.
	ErrRecoveryExhausted = errors.New("working tree recovery exhausted")
)

// protectedBranches are never deleted by orphan cleanup.
var protectedBranches = map[string]bool{"main": true, "master": true}

// Config holds the synchronizer's knobs. Zero durations get defaults.
type Config struct {
	BaseDir        string // clones live at <BaseDir>/<owner>/<repo>
	Token          string
	RemoteHost     string        // default github.com
	CommandTimeout time.Duration // per git command, default 60s
	CloneTimeout   time.Duration // default 5m
	InstallTimeout time.Duration // post-clone dependency install, default 5m
}

// Syncer clones repositories and forces working trees onto remote branches.
type Syncer struct {
	runner      *procexec.Runner
	clock       clock.Clock
	logger      *slog.Logger
	cfg         Config
	fetchPolicy retry.Policy
}

// New creates a Syncer. The fetch retry schedule is 2s, 4s, 8s.
func New(runner *procexec.Runner, c clock.Clock, logger *slog.Logger, cfg Config) *Syncer {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 60 * time.Second
	}
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = 5 * time.Minute
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = 5 * time.Minute
	}
	if cfg.RemoteHost == "" {
		cfg.RemoteHost = "github.com"
	}

	return &Syncer{
		runner: runner,
		clock:  c,
		logger: logger,
		cfg:    cfg,
		fetchPolicy: retry.Policy{
			MaxRetries:   3,
			InitialDelay: 2 * time.Second,
			Multiplier:   2,
			MaxDelay:     16 * time.Second,
		},
	}
}

// LocalPath returns where a repository's working tree lives.
func (s *Syncer) LocalPath(repoFullName string) string {
	return filepath.Join(s.cfg.BaseDir, filepath.FromSlash(repoFullName))
}

// CloneResult reports what Clone did.
type CloneResult struct {
	LocalPath string
	Cloned    bool // false when the working tree already existed
}

// Clone performs a shallow authenticated clone into the base directory.
// A working tree that already has a .git directory is left untouched. After
// a fresh clone, node dependencies are installed best-effort: an install
// failure is logged and the clone still counts as successful.
func (s *Syncer) Clone(ctx context.Context, repoFullName string) (CloneResult, error) {
	localPath := s.LocalPath(repoFullName)
	result := CloneResult{LocalPath: localPath}

	if _, err := os.Stat(filepath.Join(localPath, ".git")); err == nil {
		s.logger.Debug("clone skipped, working tree exists", "repo", repoFullName, "path", localPath)
		return result, nil
	}

	if s.cfg.Token == "" {
		return result, fmt.Errorf("clone %s: %w", repoFullName, ErrTokenNotConfigured)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return result, fmt.Errorf("create clone dir: %w", err)
	}

	res := s.runner.Run(ctx, procexec.Cmd{
		Argv:    []string{"git", "clone", "--depth", "1", s.cloneURL(repoFullName), localPath},
		Timeout: s.cfg.CloneTimeout,
		Env:     map[string]string{"GIT_TERMINAL_PROMPT": "0"},
	})
	if !res.Success() {
		return result, s.gitError("clone "+repoFullName, res)
	}
	result.Cloned = true
	s.logger.Info("repository cloned", "repo", repoFullName, "path", localPath)

	s.installDependencies(ctx, repoFullName, localPath)

	return result, nil
}

// installDependencies runs the project's install command when a node
// manifest is present. Best-effort: the verification run will surface a
// broken install on its own.
func (s *Syncer) installDependencies(ctx context.Context, repoFullName, localPath string) {
	argv := devport.InstallCommand(localPath)
	if argv == nil {
		return
	}

	res := s.runner.Run(ctx, procexec.Cmd{
		Argv:    argv,
		Dir:     localPath,
		Timeout: s.cfg.InstallTimeout,
	})
	if !res.Success() {
		s.logger.Warn("post-clone dependency install failed",
			"repo", repoFullName,
			"command", strings.Join(argv, " "),
			"exit_code", res.ExitCode,
		)
		return
	}
	s.logger.Info("dependencies installed", "repo", repoFullName, "command", strings.Join(argv, " "))
}

// SyncReport reports how a sync went.
type SyncReport struct {
	Branch            string // branch actually checked out; may be the default branch
	RecoveryAttempted bool   // true when the clean-and-retry ladder ran
}

// SyncToBranch forces the working tree onto the remote state of branch.
// The fetch is retried on its backoff schedule. A branch that no longer
// exists upstream downgrades to the default branch rather than failing.
// A hard reset that fails triggers a clean-and-retry; if the retry also
// fails, ErrRecoveryExhausted is returned.
func (s *Syncer) SyncToBranch(ctx context.Context, localPath, branch string) (SyncReport, error) {
	var report SyncReport

	err := retry.DoErr(ctx, s.fetchPolicy, s.clock, s.logger, "git fetch", func() error {
		res := s.git(ctx, localPath, "fetch", "origin", "--prune")
		if !res.Success() {
			return s.gitError("fetch", res)
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	used := branch
	if !s.remoteRefExists(ctx, localPath, branch) {
		fallback, ok := s.defaultBranch(ctx, localPath)
		if !ok {
			return report, fmt.Errorf("branch %q not on remote and no default branch found", branch)
		}
		s.logger.Warn("branch gone upstream, using default branch",
			"path", localPath,
			"branch", branch,
			"default", fallback,
		)
		used = fallback
	}
	report.Branch = used

	if err := s.checkout(ctx, localPath, used); err != nil {
		return report, err
	}

	if res := s.git(ctx, localPath, "reset", "--hard", "origin/"+used); !res.Success() {
		report.RecoveryAttempted = true
		s.logger.Warn("hard reset failed, cleaning working tree",
			"path", localPath,
			"branch", used,
			"stderr", s.redact(strings.TrimSpace(res.Stderr)),
		)

		if res := s.git(ctx, localPath, "clean", "-fd"); !res.Success() {
			s.logger.Warn("git clean failed", "path", localPath, "stderr", s.redact(strings.TrimSpace(res.Stderr)))
		}
		if res := s.git(ctx, localPath, "checkout", "--", "."); !res.Success() {
			s.logger.Warn("checkout discard failed", "path", localPath, "stderr", s.redact(strings.TrimSpace(res.Stderr)))
		}

		if res := s.git(ctx, localPath, "reset", "--hard", "origin/"+used); !res.Success() {
			return report, fmt.Errorf("reset to origin/%s after cleanup: %s: %w",
				used, s.redact(strings.TrimSpace(res.Stderr)), ErrRecoveryExhausted)
		}
	}

	s.logger.Info("working tree synced",
		"path", localPath,
		"branch", used,
		"recovery", report.RecoveryAttempted,
	)
	return report, nil
}

// CleanOrphanedBranches deletes local branches whose upstream is gone.
// The default branches and the currently checked-out branch survive.
// Returns the branch names that were removed.
func (s *Syncer) CleanOrphanedBranches(ctx context.Context, localPath string) ([]string, error) {
	if res := s.git(ctx, localPath, "fetch", "origin", "--prune"); !res.Success() {
		return nil, s.gitError("fetch", res)
	}

	res := s.git(ctx, localPath, "branch", "-vv")
	if !res.Success() {
		return nil, s.gitError("branch -vv", res)
	}

	var removed []string
	for _, name := range parseGoneBranches(res.Stdout) {
		if protectedBranches[name] {
			continue
		}
		if res := s.git(ctx, localPath, "branch", "-D", name); !res.Success() {
			s.logger.Warn("orphaned branch delete failed", "path", localPath, "branch", name,
				"stderr", strings.TrimSpace(res.Stderr))
			continue
		}
		removed = append(removed, name)
	}

	if len(removed) > 0 {
		s.logger.Info("orphaned branches removed", "path", localPath, "branches", removed)
	}
	return removed, nil
}

// ResetToMain is the operator escape hatch: fetch, check out the default
// branch, and hard reset it to the remote.
func (s *Syncer) ResetToMain(ctx context.Context, localPath string) error {
	if res := s.git(ctx, localPath, "fetch", "origin", "--prune"); !res.Success() {
		s.logger.Warn("fetch before reset failed", "path", localPath, "stderr", s.redact(strings.TrimSpace(res.Stderr)))
	}

	branch, ok := s.defaultBranch(ctx, localPath)
	if !ok {
		return fmt.Errorf("no default branch in %s", localPath)
	}

	if err := s.checkout(ctx, localPath, branch); err != nil {
		return err
	}
	if res := s.git(ctx, localPath, "reset", "--hard", "origin/"+branch); !res.Success() {
		return s.gitError("reset --hard origin/"+branch, res)
	}

	s.logger.Info("working tree reset to default branch", "path", localPath, "branch", branch)
	return nil
}

// checkout switches to branch, creating a tracking branch when only the
// remote ref exists.
func (s *Syncer) checkout(ctx context.Context, dir, branch string) error {
	if res := s.git(ctx, dir, "checkout", branch); res.Success() {
		return nil
	}
	res := s.git(ctx, dir, "checkout", "-b", branch, "origin/"+branch)
	if !res.Success() {
		return s.gitError("checkout "+branch, res)
	}
	return nil
}

// defaultBranch returns main or master, whichever exists on the remote.
func (s *Syncer) defaultBranch(ctx context.Context, dir string) (string, bool) {
	for _, candidate := range []string{"main", "master"} {
		if s.remoteRefExists(ctx, dir, candidate) {
			return candidate, true
		}
	}
	return "", false
}

func (s *Syncer) remoteRefExists(ctx context.Context, dir, branch string) bool {
	res := s.git(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+branch)
	return res.Success()
}

func (s *Syncer) git(ctx context.Context, dir string, args ...string) procexec.Result {
	return s.runner.Run(ctx, procexec.Cmd{
		Argv:    append([]string{"git", "-C", dir}, args...),
		Timeout: s.cfg.CommandTimeout,
		Env:     map[string]string{"GIT_TERMINAL_PROMPT": "0"},
	})
}

func (s *Syncer) cloneURL(repoFullName string) string {
	return fmt.Sprintf("https://x-access-token:%s@%s/%s.git", s.cfg.Token, s.cfg.RemoteHost, repoFullName)
}

// gitError turns a failed Result into an error, preferring stderr and
// scrubbing the credential.
func (s *Syncer) gitError(op string, res procexec.Result) error {
	if res.TimedOut {
		return fmt.Errorf("git %s timed out after %s", op, res.Duration.Round(time.Second))
	}
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	return fmt.Errorf("git %s: %s", op, s.redact(msg))
}

func (s *Syncer) redact(msg string) string {
	if s.cfg.Token == "" {
		return msg
	}
	return strings.ReplaceAll(msg, s.cfg.Token, "***")
}

// parseGoneBranches extracts local branch names whose tracking ref is
// reported gone by `git branch -vv`. The current branch (starred) is
// skipped; deleting it would fail anyway.
func parseGoneBranches(out string) []string {
	var gone []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "*") {
			continue
		}
		if !strings.Contains(line, ": gone]") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) > 0 {
			gone = append(gone, fields[0])
		}
	}
	return gone
}
