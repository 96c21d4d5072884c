// Package version tells which build of patchbay is running. Set Version at
// build time with:
//
//	go build -ldflags "-X github.com/patchbay-audio/patchbay/version.Version=$(git describe --dirty)"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var Version string

// Revision is the short VCS revision the binary was built from, suffixed
// with -dirty for modified trees, or empty when unknown.
var Revision = revision()

func revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	var modified bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if len(rev) > 7 {
		rev = rev[:7]
	}
	if rev != "" && modified {
		rev += "-dirty"
	}
	return rev
}

// Short is Version when set at build time, otherwise Revision, otherwise
// "devel".
func Short() string {
	switch {
	case Version != "":
		return Version
	case Revision != "":
		return Revision
	}
	return "devel"
}

// Long describes the build for -version flags and logs.
func Long(program string) string {
	return fmt.Sprintf("%s %s (%s, %s/%s)", program, Short(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
