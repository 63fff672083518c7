package driven

import (
	"context"
	"errors"

	"github.com/pixelci/pixelci/internal/domain/model"
)

// Sentinel errors returned by RepoConfigStore implementations.
var (
	// ErrRepoNotFound indicates the requested repository is not registered.
	ErrRepoNotFound = errors.New("repository not registered")

	// ErrRepoAlreadyExists indicates a repository with the same full name is
	// already registered.
	ErrRepoAlreadyExists = errors.New("repository already registered")
)

// RepoConfigPatch is a partial update to a RepoConfig. Nil fields are left
// unchanged.
type RepoConfigPatch struct {
	LocalPath  *string
	Enabled    *bool
	Paused     *bool
	Profile    *model.ProfileKind
	WebhookID  *int64
	DevPort    *int
	AutoCloned *bool
}

// RepoConfigStore defines the driven port for repository registration state.
// Add returns ErrRepoAlreadyExists for duplicate full names. Remove and
// Update return ErrRepoNotFound when the repository does not exist. Get
// returns nil, nil for an unknown repository so callers can distinguish
// "not registered" from a store failure.
type RepoConfigStore interface {
	Add(ctx context.Context, cfg model.RepoConfig) error
	Remove(ctx context.Context, fullName string) error
	Get(ctx context.Context, fullName string) (*model.RepoConfig, error)
	List(ctx context.Context) ([]model.RepoConfig, error)
	Update(ctx context.Context, fullName string, patch RepoConfigPatch) error
	IsPaused(ctx context.Context, fullName string) (bool, error)
}
