// Package version contains build version information set via ldflags.
package version

import "fmt"

var (
	// Version is the release version.
	Version = "0.0.0-dev"
	// GitCommit is the git commit hash.
	GitCommit = "unknown"
	// BuildDate is the build date.
	BuildDate = "unknown"
)

// Info is the build information as served by /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the current build information.
func Get() Info {
	return Info{Version: Version, Commit: GitCommit, BuildDate: BuildDate}
}

// String formats the build information on one line.
func (i Info) String() string {
	return fmt.Sprintf("incident-engine %s (commit %s, built %s)", i.Version, i.Commit, i.BuildDate)
}
