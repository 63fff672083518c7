package model

import "time"

// RepoConfig is the registration record for a repository watched by pixelci.
type RepoConfig struct {
	ID         int64
	FullName   string
	Owner      string
	Name       string
	LocalPath  string // working-tree location under the clone base dir
	Enabled    bool
	Paused     bool
	Profile    ProfileKind
	WebhookID  int64 // 0 when no webhook is registered
	DevPort    int   // 0 means detect per run
	AutoCloned bool  // created by webhook auto-registration rather than an operator
	AddedAt    time.Time
}

// RepoInfo is repository metadata fetched from the hosting service.
type RepoInfo struct {
	FullName      string
	DefaultBranch string
	Private       bool
	CloneURL      string
}
