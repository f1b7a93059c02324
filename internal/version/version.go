// Package appversion provides build version information injected via ldflags.
//
// All variables are set at build time:
//
//	-ldflags="-X github.com/dantte-lp/goacd/internal/version.Version=v0.3.0
//	          -X github.com/dantte-lp/goacd/internal/version.GitCommit=abc1234
//	          -X github.com/dantte-lp/goacd/internal/version.BuildDate=2026-10-01T12:00:00Z"
//
// When the linker flags are absent, GitCommit and BuildDate fall back to
// the VCS stamp embedded by the go command.
package appversion

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the semantic version (e.g., "v0.1.0" or "dev").
var Version = "dev"

// GitCommit is the short git commit hash at build time.
var GitCommit = "unknown"

// BuildDate is the RFC 3339 build timestamp.
var BuildDate = "unknown"

// shortCommitLen is the length of an abbreviated commit hash.
const shortCommitLen = 7

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	applyBuildSettings(info.Settings)
}

// applyBuildSettings fills GitCommit and BuildDate from vcs.revision and
// vcs.time unless the linker already set them.
func applyBuildSettings(settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && s.Value != "" {
				GitCommit = s.Value[:min(len(s.Value), shortCommitLen)]
			}
		case "vcs.time":
			if BuildDate == "unknown" && s.Value != "" {
				BuildDate = s.Value
			}
		}
	}
}

// Full returns a human-readable multi-line version string.
func Full(binary string) string {
	return fmt.Sprintf("%s %s\n  commit:  %s\n  built:   %s\n  go:      %s",
		binary, Version, GitCommit, BuildDate, runtime.Version())
}
