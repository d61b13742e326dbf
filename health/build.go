package health

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time"`
	GoVersion string    `json:"go_version"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
}

// GetBuildInfo merges BUILD_* environment variables over what the Go
// toolchain embedded in the binary.
func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   "dev",
		GitCommit: "unknown",
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}

	if embedded, ok := debug.ReadBuildInfo(); ok {
		if embedded.Main.Version != "" && embedded.Main.Version != "(devel)" {
			info.Version = embedded.Main.Version
		}
		for _, setting := range embedded.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.GitCommit = setting.Value
			case "vcs.time":
				if buildTime, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					info.BuildTime = buildTime
				}
			}
		}
	}

	if value := strings.TrimSpace(os.Getenv("BUILD_VERSION")); value != "" {
		info.Version = value
	}
	if value := strings.TrimSpace(os.Getenv("BUILD_COMMIT")); value != "" {
		info.GitCommit = value
	}
	if value := os.Getenv("BUILD_TIME"); value != "" {
		if buildTime, err := time.Parse(time.RFC3339, value); err == nil {
			info.BuildTime = buildTime
		}
	}

	return info
}

func (b BuildInfo) String() string {
	commit := b.GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}

	if b.BuildTime.IsZero() {
		return fmt.Sprintf("%s-%s", b.Version, commit)
	}

	return fmt.Sprintf("%s-%s (%s)", b.Version, commit, b.BuildTime.Format("2006-01-02"))
}
