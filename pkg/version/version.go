package version

import (
	"runtime/debug"
)

const path = "github.com/fe-malveira-87/poc-juma-etl"

var version = "unknown"

// Get returns the module version embedded in the binary.
func Get() string {
	return version
}

// The version is extracted from build information embedded in the binary, from
// a go.mod file, so this version field is only available in Go modules projects.
// We determine the version dynamically instead of using -ldflags to inject the
// version because callers of the binaries should not have to set it for us.
func init() {
	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		if info.Main.Path == path {
			version = info.Main.Version
		} else {
			for _, mod := range info.Deps {
				if mod != nil {
					if mod.Path == path {
						version = mod.Version
					}
				}
			}
		}
	}
}
