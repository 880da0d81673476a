// SPDX-License-Identifier: MIT

// Package version carries build-time version information, injected via
// -ldflags at release builds.
package version

var (
	// Version is the semantic service version.
	Version = "v1.2.0"
	// Commit is the git commit the binary was built from.
	Commit = "none"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// Info is the wire form returned by status endpoints.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the current build information.
func Get() Info {
	return Info{Version: Version, Commit: Commit, BuildDate: BuildDate}
}
