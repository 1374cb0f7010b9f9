// Package version carries the build identity of livedb, set with -ldflags or read back from the
// Go build metadata.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const devVersion = "0.1.0-dev"

var (
	AppName   = "livedb"
	Version   = devVersion
	Revision  = "HEAD"
	BuildDate = ""
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		fromBuildInfo(info.Main.Version, info.Settings)
	}
}

func fromBuildInfo(mainVersion string, settings []debug.BuildSetting) {
	if Version == devVersion || Version == "" {
		if mainVersion != "" && mainVersion != "(devel)" {
			Version = strings.TrimPrefix(mainVersion, "v")
		}
	}

	vcs := make(map[string]string, len(settings))
	for _, s := range settings {
		vcs[s.Key] = s.Value
	}

	if Revision == "HEAD" || Revision == "" {
		if r := vcs["vcs.revision"]; r != "" {
			if vcs["vcs.modified"] == "true" {
				r += "-dirty"
			}
			Revision = r
		}
	}
	if BuildDate == "" {
		BuildDate = vcs["vcs.time"]
	}
}

// Capability is the key the engine announces to the server, `sdk.go.0.1.0`.
func Capability() string {
	return "sdk.go." + Version
}

// Short returns `0.1.0 (5e23a4)`.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

// Detailed returns `livedb 0.1.0 (5e23a4; go1.23.6; linux/amd64; 2025-01-01T00:00:00Z)`.
func Detailed() string {
	return fmt.Sprintf("%s %s (%s; %s; %s/%s; %s)", AppName, Version, Revision, runtime.Version(), runtime.GOOS, runtime.GOARCH, BuildDate)
}
