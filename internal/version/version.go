package version

import (
	"runtime/debug"
	"strings"
)

// Version is set at build time: -ldflags "-X github.com/Alia5/usbfs/internal/version.Version=x.y.z"
var Version = ""

// Get returns the build version without a leading "v". Development builds
// fall back to the module version recorded by the toolchain, then to
// "0.0.1-dev".
func Get() string {
	v := Version
	if v == "" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			v = bi.Main.Version
		}
	}
	if v == "" {
		return "0.0.1-dev"
	}
	return strings.TrimPrefix(v, "v")
}
