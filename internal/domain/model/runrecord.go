package model

import "time"

// RunRecord is one entry in a repository's verification history. A record is
// inserted with RunStatusRunning before the profile starts and finalized
// exactly once with success or failure.
type RunRecord struct {
	ID             int64
	RunID          string // globally unique, UUID
	RepoFullName   string
	Branch         string
	Status         RunStatus
	Trigger        Trigger
	CommitMessage  string
	CommitAuthor   string
	ScreenshotPath string
	BuildLogPath   string
	RuntimeLogPath string
	NetworkLogPath string
	DiffPercent    float64 // -1 when no diff was computed
	ErrorMessage   string  // non-empty whenever Status is failure
	StartedAt      time.Time
	FinishedAt     time.Time // zero while the run is in progress
}

// Duration returns the elapsed run time, or the time since start for runs
// still in progress.
func (r RunRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Finished reports whether the run has reached a terminal status.
func (r RunRecord) Finished() bool {
	return r.Status == RunStatusSuccess || r.Status == RunStatusFailure
}
