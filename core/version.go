package core

// Version information for the whisperfleet engine
const (
	// Version is the current engine version
	Version = "development"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
