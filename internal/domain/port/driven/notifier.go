package driven

import (
	"context"

	"github.com/pixelci/pixelci/internal/domain/model"
)

// Notifier defines the driven port for outbound run notifications. The core
// supplies structured run data only; formatting, links, and delivery belong
// to the adapter. Delivery failures are the caller's to log, never to
// propagate into run state.
type Notifier interface {
	RunFinished(ctx context.Context, rec model.RunRecord, diff *model.DiffResult) error
}
