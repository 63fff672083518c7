package model

import "time"

// BuildJob is a queued request to verify one branch of one repository.
type BuildJob struct {
	RepoFullName  string
	Branch        string
	QueuedAt      time.Time
	Trigger       Trigger
	CommitMessage string
	CommitAuthor  string
}

// Key returns the serialization key for the job. Jobs sharing a key never
// run concurrently; a queued-but-unstarted job is replaced when a newer
// job with the same key arrives.
func (j BuildJob) Key() string {
	return j.RepoFullName + "|" + j.Branch
}
