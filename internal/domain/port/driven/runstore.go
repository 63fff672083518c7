package driven

import (
	"context"
	"errors"

	"github.com/pixelci/pixelci/internal/domain/model"
)

// ErrRunNotFound indicates the requested run record does not exist.
var ErrRunNotFound = errors.New("run not found")

// RunStore defines the driven port for verification run history.
//
// Insert persists a new record (normally with status running) and trims the
// repo+branch history to the retention window. Finalize updates the record
// identified by rec.RunID with its terminal status, artifact paths, and
// error message; it returns ErrRunNotFound for an unknown run ID.
// PreviousSuccessful returns the most recent successful run for the
// repo+branch that produced a screenshot, excluding excludeRunID; it
// returns nil, nil when no such run exists.
type RunStore interface {
	Insert(ctx context.Context, rec model.RunRecord) error
	Finalize(ctx context.Context, rec model.RunRecord) error
	GetByRunID(ctx context.Context, runID string) (*model.RunRecord, error)
	ListByRepo(ctx context.Context, repoFullName string, limit int) ([]model.RunRecord, error)
	ListByRepoBranch(ctx context.Context, repoFullName, branch string, limit int) ([]model.RunRecord, error)
	PreviousSuccessful(ctx context.Context, repoFullName, branch, excludeRunID string) (*model.RunRecord, error)
}
