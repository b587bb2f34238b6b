// Package version holds the build information stamped in by the linker:
//
//	go build -ldflags "-X gitlab.com/gitlab-org/changehub/internal/version.version=v1.2.0 \
//	  -X gitlab.com/gitlab-org/changehub/internal/version.buildtime=20221017.091500"
package version

import "fmt"

var (
	version   string
	buildtime string
)

// GetVersion returns the version the binary was built as, or "unknown".
func GetVersion() string {
	if version == "" {
		return "unknown"
	}
	return version
}

// GetBuildTime returns when the binary was built.
func GetBuildTime() string {
	return buildtime
}

// GetVersionString returns what binary prints for -version.
func GetVersionString(binary string) string {
	return fmt.Sprintf("%s, version %v", binary, GetVersion())
}

// UserAgent returns the user agent the checkout presents to the hub.
func UserAgent() string {
	return "changehub-checkout/" + GetVersion()
}
