package core

// Version information for the gwi durable execution core
const (
	// Version is the current release version
	Version = "0.1.0"

	// APIVersion is the current wire format version
	APIVersion = "v1"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
