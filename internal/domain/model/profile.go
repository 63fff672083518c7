package model

import "time"

// BuildOptions are per-repository overrides for profile steps, loaded from
// the optional .pixelci.yml at the working-tree root. Zero values mean "use
// the profile's default".
type BuildOptions struct {
	AppName      string        // window title for desktop capture
	DevCommand   string        // overrides the default dev-server command
	ReadyPattern string        // regex matched against dev-server output
	DevPort      int
	RenderWait   time.Duration // extra settle time before capture
}

// ProfileContext carries everything a profile run needs. Profiles read only
// this context and the filesystem under WorkDir; they never touch stores.
type ProfileContext struct {
	RepoFullName  string
	Branch        string
	RunID         string
	WorkDir       string // repository working tree, already synced
	LogDir        string // per-run directory for build/runtime/network logs
	ScreenshotDir string
	DevPort       int // 0 means the profile detects its own port
	Options       BuildOptions
}

// ProfileResult is the outcome of one profile run. Status is success or
// failure, never running; failure results always carry a non-empty
// ErrorMessage. Artifact paths are empty when the step that produces them
// did not run.
type ProfileResult struct {
	Status         RunStatus
	ErrorMessage   string
	ScreenshotPath string
	BuildLogPath   string
	RuntimeLogPath string
	NetworkLogPath string
	StepDurations  map[string]time.Duration
}

// DiffResult describes how the current screenshot compares to the baseline
// from the previous successful run.
type DiffResult struct {
	DiffPercent   float64
	DiffPixels    int // -1 when the estimator ran and the pixel count is unknown
	DiffImagePath string
	BaselinePath  string
	Estimated     bool // true when derived from content hash + file size, not pixels
}
