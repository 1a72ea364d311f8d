// Package version exposes build information stamped at link time.
package version

// Set via ldflags, e.g.
// go build -ldflags "-X conductor/pkg/version.Version=v0.3.0".
//
//nolint:gochecknoglobals // ldflags injection requires package-level vars.
var (
	// Version is the semantic version, "dev" for local builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)
