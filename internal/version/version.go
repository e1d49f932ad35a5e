// Package version holds build metadata injected with -ldflags -X, for example
//
//	-X github.com/jmylchreest/chunkrec/internal/version.Version=1.4.0
//	-X github.com/jmylchreest/chunkrec/internal/version.Commit=$(git rev-parse HEAD)
//	-X github.com/jmylchreest/chunkrec/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "chunkrec"

// Info is the build metadata of the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns the build metadata.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String formats i for `chunkrec version`.
func (i Info) String() string {
	if c, ok := shortCommit(i.Commit); ok {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, i.Version, c, i.Date, i.GoVersion, i.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, i.Version, i.GoVersion, i.Platform)
}

// String is GetInfo().String().
func String() string {
	return GetInfo().String()
}

// Short is the value of --version.
func Short() string {
	if c, ok := shortCommit(Commit); ok {
		return Version + " (" + c + ")"
	}
	return Version
}

// JSON returns the build metadata as indented JSON.
func JSON() (string, error) {
	data, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func shortCommit(commit string) (string, bool) {
	if commit == "unknown" || len(commit) < 8 {
		return "", false
	}
	return commit[:8], true
}
