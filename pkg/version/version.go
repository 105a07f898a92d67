// Package version reports build information for the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const defaultVersion = "0.1.0-dev"

// Version can be overridden at build time via
// -ldflags "-X github.com/clusterrebootd/kafka-rolling/pkg/version.Version=<value>".
var Version = defaultVersion

var readBuildInfo = debug.ReadBuildInfo

// Info describes the running build.
type Info struct {
	Version   string
	Revision  string
	Modified  bool
	BuildTime string
	GoVersion string
}

// String renders the build for the version subcommand.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "kafka-rolling-restart %s", i.Version)
	if i.Revision != "" {
		rev := i.Revision
		if i.Modified {
			rev += "-dirty"
		}
		fmt.Fprintf(&b, " (%s", rev)
		if i.BuildTime != "" {
			fmt.Fprintf(&b, ", %s", i.BuildTime)
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, " %s", i.GoVersion)
	return b.String()
}

// Get collects build information from the linker override and the module
// build info.
func Get() Info {
	info := Info{Version: Version, GoVersion: runtime.Version()}

	bi, ok := readBuildInfo()
	if !ok || bi == nil {
		return info
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.Revision = shortRevision(setting.Value)
		case "vcs.modified":
			info.Modified = setting.Value == "true"
		case "vcs.time":
			info.BuildTime = strings.TrimSpace(setting.Value)
		}
	}
	if bi.GoVersion != "" {
		info.GoVersion = bi.GoVersion
	}

	if info.Version == "" || info.Version == defaultVersion {
		switch {
		case moduleVersion(bi.Main.Version) != "":
			info.Version = moduleVersion(bi.Main.Version)
		case info.Revision != "":
			info.Version = "devel+" + info.Revision
			if info.Modified {
				info.Version += "-dirty"
			}
		}
	}
	return info
}

func moduleVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "(devel)" {
		return ""
	}
	return v
}

func shortRevision(rev string) string {
	rev = strings.TrimSpace(rev)
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
