// Package version carries build metadata stamped in with -ldflags -X.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String is the one-line banner printed by -version and at startup.
func String() string {
	return fmt.Sprintf("radarhub %s (git %s, built %s)", Version, GitSHA, BuildTime)
}
