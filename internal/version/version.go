// Package version exposes the build metadata stamped into the binary.
//
// Release builds overwrite Version, Commit, and Date through ldflags,
// for example:
//
//	go build -ldflags "-X github.com/jmylchreest/imgarr/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/imgarr/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/imgarr/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	// Version holds the SemVer version: "1.2.3" for releases,
	// "1.2.3-SNAPSHOT.abc1234" for prerelease builds.
	Version = "dev"

	// Commit is the full git SHA the binary was built from.
	Commit = "unknown"

	// Date is the RFC3339 build timestamp.
	Date = "unknown"

	// GoVersion is the Go toolchain that built the binary.
	GoVersion = runtime.Version()
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "imgarr"

// Info is the structured form served by the version endpoint and the
// version subcommand's JSON output.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo collects the build metadata into an Info.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns the long, human-readable version line.
func String() string {
	info := GetInfo()
	if hasCommit() {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, info.Commit[:8], info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns the compact form used for --version output.
func Short() string {
	if hasCommit() {
		return fmt.Sprintf("%s %s (%s)", ApplicationName, Version, Commit[:8])
	}
	return fmt.Sprintf("%s %s", ApplicationName, Version)
}

// UserAgent returns the User-Agent value sent on outbound HTTP
// requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", ApplicationName, Version)
}

// IsSnapshot reports whether this is a dev or prerelease build.
func IsSnapshot() bool {
	return Version == "dev" || strings.Contains(Version, "-SNAPSHOT")
}

// IsRelease reports whether this is a tagged release build.
func IsRelease() bool {
	return !IsSnapshot() && Version != "dev"
}

func hasCommit() bool {
	return Commit != "unknown" && len(Commit) >= 8
}
