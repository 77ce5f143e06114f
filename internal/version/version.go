// Package version reports the build version of the cellstate binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/cellstate"

// buildVersion is set via -ldflags "-X pkt.systems/cellstate/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Module    string `json:"module"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
}

// String renders the info on one line.
func (i Info) String() string {
	out := fmt.Sprintf("%s %s (%s)", i.Module, i.Version, i.GoVersion)
	if i.Revision != "" {
		out += " rev " + i.Revision
	}
	return out
}

// Get returns the build info of the running binary.
func Get() Info {
	info := Info{
		Version:   CurrentWithDirty(),
		Module:    Module(),
		GoVersion: runtime.Version(),
	}
	if build, ok := debug.ReadBuildInfo(); ok {
		vcs := readVCS(build)
		info.Revision = vcs.revision
		info.Modified = vcs.modified
	}
	return info
}

// Current returns the best available version string (without dirty suffix).
func Current() string {
	return current(false)
}

// CurrentWithDirty returns the best available version string (including dirty suffix when available).
func CurrentWithDirty() string {
	return current(true)
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

func current(includeDirty bool) string {
	if strings.TrimSpace(buildVersion) != "" {
		return normalizeVersion(buildVersion, includeDirty)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return normalizeVersion(v, includeDirty)
		}
		if v := pseudoVersion(info, includeDirty); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

func normalizeVersion(v string, includeDirty bool) string {
	value := strings.TrimSpace(v)
	if includeDirty {
		return value
	}
	return strings.TrimSuffix(value, "+dirty")
}

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

func readVCS(info *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	if info == nil {
		return out
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			out.time = setting.Value
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

// pseudoVersion builds a Go-style pseudo version from VCS settings.
func pseudoVersion(info *debug.BuildInfo, includeDirty bool) string {
	vcs := readVCS(info)
	if vcs.revision == "" || vcs.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcs.time)
	if err != nil {
		return ""
	}
	rev := vcs.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	if vcs.modified && includeDirty {
		ver += "+dirty"
	}
	return ver
}
