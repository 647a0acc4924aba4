package main

import (
	"fmt"
	"runtime"
)

// Build information, populated at build time
var (
	GitCommit = "dev"
	BuildTime = "unknown"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func buildInfo() BuildInfo {
	return BuildInfo{
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// versionString returns the manifest version with a short commit when known
func versionString(version string) string {
	if GitCommit != "dev" && len(GitCommit) > 7 {
		return fmt.Sprintf("%s (%s)", version, GitCommit[:7])
	}
	return version
}
