// Package buildinfo holds version metadata stamped at compile time.
package buildinfo

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// Stamped with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/randomstring/MQTTsensord/internal/buildinfo.Version=v1.2.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

// Current returns the stamped metadata plus runtime details.
func Current() Build {
	return Build{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
}

// Fields returns label/value pairs in display order.
func (b Build) Fields() [][2]string {
	return [][2]string{
		{"version", b.Version},
		{"git_commit", b.GitCommit},
		{"git_branch", b.GitBranch},
		{"build_time", b.BuildTime},
		{"go_version", b.GoVersion},
		{"os", b.OS},
		{"arch", b.Arch},
	}
}

// LogValue groups the build identity for the startup log line.
func (b Build) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("version", b.Version),
		slog.String("commit", b.GitCommit),
		slog.String("branch", b.GitBranch),
		slog.String("built", b.BuildTime),
	)
}

// Uptime is the time since process start, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// String is the one-line banner printed by "mqttsensord version".
func String() string {
	return fmt.Sprintf("mqttsensord %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
