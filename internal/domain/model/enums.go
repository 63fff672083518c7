package model

// RunStatus represents the lifecycle state of a verification run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailure RunStatus = "failure"
)

// ProfileKind identifies which build-and-verify recipe applies to a repository.
type ProfileKind string

const (
	ProfileNodeService      ProfileKind = "node-service"
	ProfileIOSCapacitor     ProfileKind = "ios-capacitor"
	ProfileAndroidCapacitor ProfileKind = "android-capacitor"
	ProfileTauriApp         ProfileKind = "tauri-app"
	ProfileWebGeneric       ProfileKind = "web-generic"
	ProfileCustom           ProfileKind = "custom"
)

// KnownProfiles returns every profile kind the executor dispatches on.
func KnownProfiles() []ProfileKind {
	return []ProfileKind{
		ProfileNodeService,
		ProfileIOSCapacitor,
		ProfileAndroidCapacitor,
		ProfileTauriApp,
		ProfileWebGeneric,
		ProfileCustom,
	}
}

// Valid reports whether k names a known profile kind.
func (k ProfileKind) Valid() bool {
	for _, known := range KnownProfiles() {
		if k == known {
			return true
		}
	}
	return false
}

// Trigger records what caused a build job to be enqueued.
type Trigger string

const (
	TriggerPush   Trigger = "push"
	TriggerManual Trigger = "manual"
)
