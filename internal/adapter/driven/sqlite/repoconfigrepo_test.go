package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelci/pixelci/internal/domain/model"
	"github.com/pixelci/pixelci/internal/domain/port/driven"
)

func makeRepoConfig(fullName, owner, name string) model.RepoConfig {
	return model.RepoConfig{
		FullName: fullName,
		Owner:    owner,
		Name:     name,
		Enabled:  true,
		Profile:  model.ProfileNodeService,
		AddedAt:  time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

func TestRepoConfigRepo_Add(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepoConfigRepo(db)
	ctx := context.Background()

	err := repo.Add(ctx, makeRepoConfig("octocat/hello-world", "octocat", "hello-world"))
	require.NoError(t, err)

	got, err := repo.Get(ctx, "octocat/hello-world")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "octocat/hello-world", got.FullName)
	assert.Equal(t, "octocat", got.Owner)
	assert.Equal(t, "hello-world", got.Name)
	assert.Equal(t, model.ProfileNodeService, got.Profile)
	assert.True(t, got.Enabled)
	assert.False(t, got.Paused)
	assert.False(t, got.AutoCloned)
	assert.False(t, got.AddedAt.IsZero())
}

func TestRepoConfigRepo_Add_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepoConfigRepo(db)
	ctx := context.Background()

	cfg := makeRepoConfig("octocat/hello-world", "octocat", "hello-world")
	require.NoError(t, repo.Add(ctx, cfg))

	err := repo.Add(ctx, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrRepoAlreadyExists)
}

func TestRepoConfigRepo_Get_Unknown(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepoConfigRepo(db)

	got, err := repo.Get(context.Background(), "nobody/nothing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRepoConfigRepo_Remove(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepoConfigRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Add(ctx, makeRepoConfig("octocat/hello-world", "octocat", "hello-world")))

	require.NoError(t, repo.Remove(ctx, "octocat/hello-world"))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRepoConfigRepo_Remove_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepoConfigRepo(db)

	err := repo.Remove(context.Background(), "nonexistent/repo")
	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrRepoNotFound)
}

func TestRepoConfigRepo_Remove_CascadesRuns(t *testing.T) {
	db := setupTestDB(t)
	repos := NewRepoConfigRepo(db)
	runs := NewRunRepo(db)
	ctx := context.Background()

	require.NoError(t, repos.Add(ctx, makeRepoConfig("octocat/hello-world", "octocat", "hello-world")))
	require.NoError(t, runs.Insert(ctx, makeRun("run-1", "octocat/hello-world", "main")))

	require.NoError(t, repos.Remove(ctx, "octocat/hello-world"))

	got, err := runs.GetByRunID(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, got, "runs should be deleted with their repository")
}

func TestRepoConfigRepo_List_Ordered(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepoConfigRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Add(ctx, makeRepoConfig("zeta/app", "zeta", "app")))
	require.NoError(t, repo.Add(ctx, makeRepoConfig("alpha/app", "alpha", "app")))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha/app", all[0].FullName)
	assert.Equal(t, "zeta/app", all[1].FullName)
}

func TestRepoConfigRepo_Update_Patch(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepoConfigRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Add(ctx, makeRepoConfig("octocat/hello-world", "octocat", "hello-world")))

	localPath := "/data/clones/octocat/hello-world"
	paused := true
	webhookID := int64(987654)
	err := repo.Update(ctx, "octocat/hello-world", driven.RepoConfigPatch{
		LocalPath: &localPath,
		Paused:    &paused,
		WebhookID: &webhookID,
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "octocat/hello-world")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, localPath, got.LocalPath)
	assert.True(t, got.Paused)
	assert.Equal(t, webhookID, got.WebhookID)
	// Untouched fields survive the patch.
	assert.True(t, got.Enabled)
	assert.Equal(t, model.ProfileNodeService, got.Profile)
}

func TestRepoConfigRepo_Update_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepoConfigRepo(db)

	paused := true
	err := repo.Update(context.Background(), "nobody/nothing", driven.RepoConfigPatch{Paused: &paused})
	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrRepoNotFound)
}

func TestRepoConfigRepo_Update_EmptyPatch(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepoConfigRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Add(ctx, makeRepoConfig("octocat/hello-world", "octocat", "hello-world")))

	require.NoError(t, repo.Update(ctx, "octocat/hello-world", driven.RepoConfigPatch{}))

	err := repo.Update(ctx, "nobody/nothing", driven.RepoConfigPatch{})
	assert.ErrorIs(t, err, driven.ErrRepoNotFound)
}

func TestRepoConfigRepo_IsPaused(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepoConfigRepo(db)
	ctx := context.Background()

	cfg := makeRepoConfig("octocat/hello-world", "octocat", "hello-world")
	cfg.Paused = true
	require.NoError(t, repo.Add(ctx, cfg))

	paused, err := repo.IsPaused(ctx, "octocat/hello-world")
	require.NoError(t, err)
	assert.True(t, paused)

	paused, err = repo.IsPaused(ctx, "nobody/nothing")
	require.NoError(t, err)
	assert.False(t, paused, "unknown repository is not paused")
}
