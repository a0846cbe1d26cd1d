// Package version reports what build of termtunnel is running. Both ends of
// a tunnel log it on startup so a server and an agent built from different
// revisions can be told apart in the logs.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule  = "pkt.systems/termtunnel"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/termtunnel/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes one termtunnel binary.
type Info struct {
	Version   string
	Dirty     bool
	Module    string
	GoVersion string
	Platform  string
}

// Read collects Info from the linker flag and the embedded build info.
func Read() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
}

// Current returns the best available version string without the dirty suffix.
func Current() string {
	return Read().Version
}

// CurrentWithDirty returns the version string with "+dirty" appended for
// builds from a modified tree.
func CurrentWithDirty() string {
	return Read().Full()
}

// Module returns the module path from build info when available.
func Module() string {
	return Read().Module
}

// Banner is the line printed by the version command.
func Banner(program string) string {
	return Read().Banner(program)
}

// Full returns Version with the dirty marker.
func (i Info) Full() string {
	if i.Dirty {
		return i.Version + "+dirty"
	}
	return i.Version
}

// Banner renders i for humans.
func (i Info) Banner(program string) string {
	return fmt.Sprintf("%s %s (%s, %s %s)", program, i.Full(), i.Module, i.GoVersion, i.Platform)
}

// LogArgs returns i as key/value pairs for a structured logger.
func (i Info) LogArgs() []any {
	return []any{"version", i.Full(), "go", i.GoVersion, "platform", i.Platform}
}

func fromBuildInfo(info *debug.BuildInfo, linked string) Info {
	out := Info{
		Version:   unknownVersion,
		Module:    defaultModule,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		if v := strings.TrimSpace(info.GoVersion); v != "" {
			out.GoVersion = v
		}
	}
	switch {
	case strings.TrimSpace(linked) != "":
		out.Version, out.Dirty = splitDirty(linked)
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version, out.Dirty = splitDirty(info.Main.Version)
	case info != nil:
		if v, dirty := pseudoFromBuildInfo(info); v != "" {
			out.Version, out.Dirty = v, dirty
		}
	}
	return out
}

func splitDirty(v string) (string, bool) {
	value := strings.TrimSpace(v)
	trimmed := strings.TrimSuffix(value, "+dirty")
	return trimmed, trimmed != value
}

// pseudoFromBuildInfo derives a Go pseudo-version from the VCS stamp.
func pseudoFromBuildInfo(info *debug.BuildInfo) (string, bool) {
	if info == nil {
		return "", false
	}
	var revision, vcsTime string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision == "" || vcsTime == "" {
		return "", false
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return "", false
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	return "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision, modified
}
