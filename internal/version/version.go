// Package version holds the build version, set with -ldflags.
package version

// Version is the semantic version of the build.
var Version = "0.1.0-dev"

// GitCommit is the commit the binary was built from.
var GitCommit = ""

// String returns the version with the commit when known.
func String() string {
	if GitCommit == "" {
		return Version
	}
	return Version + " (" + GitCommit + ")"
}
