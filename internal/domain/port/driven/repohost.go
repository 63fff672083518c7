package driven

import (
	"context"

	"github.com/pixelci/pixelci/internal/domain/model"
)

// RepoHost defines the driven port for the repository hosting service.
// EnsureWebhook creates the push webhook for the repository if absent and
// returns the hook ID either way. RepoInfo returns nil, nil when the
// repository does not exist or the token cannot see it.
type RepoHost interface {
	EnsureWebhook(ctx context.Context, repoFullName, callbackURL string) (int64, error)
	DeleteWebhook(ctx context.Context, repoFullName string, hookID int64) error
	RepoInfo(ctx context.Context, repoFullName string) (*model.RepoInfo, error)
}
