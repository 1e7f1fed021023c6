// Package version reports the build metadata of the running binary for
// startup logging.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
)

// commit is overridden via -ldflags in release builds where the VCS
// metadata is stripped from the build context:
//
//	-X github.com/kora-assist/kora/pkg/version.commit=<sha>
var commit string

// Info describes the binary that is running.
type Info struct {
	Commit    string // short VCS revision, "dev" when unknown
	Dirty     bool   // uncommitted changes at build time
	VCSTime   string // commit timestamp, empty when unknown
	GoVersion string
}

// Current is resolved once at init, preferring the -ldflags override and
// falling back to debug.BuildInfo.
var Current = resolve()

func resolve() Info {
	info := Info{Commit: "dev", GoVersion: runtime.Version()}
	if commit != "" {
		info.Commit = shortRev(commit)
		return info
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if s.Value != "" {
				info.Commit = shortRev(s.Value)
			}
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		case "vcs.time":
			info.VCSTime = s.Value
		}
	}
	return info
}

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full renders the version string used in startup logs, e.g.
// "kora/a3f8c2d1" or "kora/a3f8c2d1+dirty".
func Full() string {
	var b strings.Builder
	b.WriteString("kora/")
	b.WriteString(Current.Commit)
	if Current.Dirty {
		b.WriteString("+dirty")
	}
	return b.String()
}
