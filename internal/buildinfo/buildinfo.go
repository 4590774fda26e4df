// Package buildinfo carries the version stamped in at link time.
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// Set with -ldflags "-X sparkrt/internal/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Short returns the release version, else the commit, else "dev".
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if c := commit(); c != "unknown" {
		if len(c) > 12 {
			c = c[:12]
		}
		return c
	}
	return "dev"
}

// String is the full -version line.
func String() string {
	return fmt.Sprintf("sparkrt %s (commit %s, built %s)", Version, commit(), Date)
}

// commit falls back to the VCS revision recorded by the go tool.
func commit() string {
	if Commit != "" && Commit != "unknown" {
		return Commit
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return s.Value
			}
		}
	}
	return "unknown"
}
