// Package version holds build metadata stamped through -ldflags by the
// fxwatcher release pipeline.
package version

var (
	// Version is the semantic version of the fxwatcher binary.
	Version = "dev"
	// Commit is the git commit hash of the build.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)
