package gitsync_test

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelci/pixelci/internal/clock"
	"github.com/pixelci/pixelci/internal/gitsync"
	"github.com/pixelci/pixelci/internal/procexec"
)

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func commitFile(t *testing.T, dir, name, content, message string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	gitCmd(t, dir, "add", name)
	gitCmd(t, dir, "commit", "-m", message)
}

// setupRemote builds a bare upstream with main and feature branches plus a
// seed working copy that can push further changes.
func setupRemote(t *testing.T) (upstream, seed string) {
	t.Helper()
	upstream = filepath.Join(t.TempDir(), "upstream.git")
	gitCmd(t, t.TempDir(), "init", "--bare", "-b", "main", upstream)

	seed = t.TempDir()
	gitCmd(t, seed, "init", "-b", "main")
	commitFile(t, seed, "app.txt", "v1", "initial")
	gitCmd(t, seed, "remote", "add", "origin", upstream)
	gitCmd(t, seed, "push", "-u", "origin", "main")

	gitCmd(t, seed, "checkout", "-b", "feature")
	commitFile(t, seed, "feature.txt", "feature work", "feature commit")
	gitCmd(t, seed, "push", "-u", "origin", "feature")
	gitCmd(t, seed, "checkout", "main")

	return upstream, seed
}

func cloneLocal(t *testing.T, upstream string) string {
	t.Helper()
	local := filepath.Join(t.TempDir(), "local")
	gitCmd(t, t.TempDir(), "clone", upstream, local)
	return local
}

func newSyncer(t *testing.T, cfg gitsync.Config) *gitsync.Syncer {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	return gitsync.New(procexec.NewRunner(logger), clock.Real(), logger, cfg)
}

func currentBranch(t *testing.T, dir string) string {
	t.Helper()
	return strings.TrimSpace(gitCmd(t, dir, "rev-parse", "--abbrev-ref", "HEAD"))
}

func TestLocalPath(t *testing.T) {
	s := newSyncer(t, gitsync.Config{BaseDir: filepath.Join("data", "repos")})
	assert.Equal(t, filepath.Join("data", "repos", "acme", "web"), s.LocalPath("acme/web"))
}

func TestClone_NoTokenFailsFast(t *testing.T) {
	s := newSyncer(t, gitsync.Config{BaseDir: t.TempDir()})

	_, err := s.Clone(context.Background(), "acme/web")

	require.ErrorIs(t, err, gitsync.ErrTokenNotConfigured)
}

func TestClone_ExistingTreeIsNoOp(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "acme", "web", ".git"), 0o755))
	s := newSyncer(t, gitsync.Config{BaseDir: base})

	result, err := s.Clone(context.Background(), "acme/web")

	require.NoError(t, err)
	assert.False(t, result.Cloned)
	assert.Equal(t, filepath.Join(base, "acme", "web"), result.LocalPath)
}

func TestSyncToBranch_ChecksOutRequestedBranch(t *testing.T) {
	upstream, _ := setupRemote(t)
	local := cloneLocal(t, upstream)
	s := newSyncer(t, gitsync.Config{})

	report, err := s.SyncToBranch(context.Background(), local, "feature")

	require.NoError(t, err)
	assert.Equal(t, "feature", report.Branch)
	assert.False(t, report.RecoveryAttempted)
	assert.Equal(t, "feature", currentBranch(t, local))
	assert.FileExists(t, filepath.Join(local, "feature.txt"))
}

func TestSyncToBranch_PullsNewCommits(t *testing.T) {
	upstream, seed := setupRemote(t)
	local := cloneLocal(t, upstream)
	s := newSyncer(t, gitsync.Config{})

	_, err := s.SyncToBranch(context.Background(), local, "main")
	require.NoError(t, err)

	commitFile(t, seed, "app.txt", "v2", "update app")
	gitCmd(t, seed, "push", "origin", "main")

	_, err = s.SyncToBranch(context.Background(), local, "main")
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(local, "app.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))
}

func TestSyncToBranch_DeletedBranchFallsBackToDefault(t *testing.T) {
	upstream, seed := setupRemote(t)
	local := cloneLocal(t, upstream)
	s := newSyncer(t, gitsync.Config{})

	_, err := s.SyncToBranch(context.Background(), local, "feature")
	require.NoError(t, err)

	gitCmd(t, seed, "push", "origin", "--delete", "feature")

	report, err := s.SyncToBranch(context.Background(), local, "feature")

	require.NoError(t, err)
	assert.Equal(t, "main", report.Branch)
	assert.Equal(t, "main", currentBranch(t, local))
}

func TestSyncToBranch_DiscardsLocalChanges(t *testing.T) {
	upstream, _ := setupRemote(t)
	local := cloneLocal(t, upstream)
	s := newSyncer(t, gitsync.Config{})

	require.NoError(t, os.WriteFile(filepath.Join(local, "app.txt"), []byte("local edit"), 0o644))

	_, err := s.SyncToBranch(context.Background(), local, "main")
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(local, "app.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))
}

func TestCleanOrphanedBranches(t *testing.T) {
	upstream, seed := setupRemote(t)
	local := cloneLocal(t, upstream)
	gitCmd(t, local, "checkout", "feature")
	gitCmd(t, local, "checkout", "main")

	gitCmd(t, seed, "push", "origin", "--delete", "feature")

	s := newSyncer(t, gitsync.Config{})
	removed, err := s.CleanOrphanedBranches(context.Background(), local)

	require.NoError(t, err)
	assert.Equal(t, []string{"feature"}, removed)
	assert.Empty(t, strings.TrimSpace(gitCmd(t, local, "branch", "--list", "feature")))
	assert.Equal(t, "main", currentBranch(t, local))
}

func TestResetToMain(t *testing.T) {
	upstream, _ := setupRemote(t)
	local := cloneLocal(t, upstream)
	gitCmd(t, local, "checkout", "feature")

	s := newSyncer(t, gitsync.Config{})
	require.NoError(t, s.ResetToMain(context.Background(), local))

	assert.Equal(t, "main", currentBranch(t, local))
}
