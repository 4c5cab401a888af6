// Package version holds build-time identifying information.
package version

import "fmt"

// Version, Commit, and BuildTime are injected at build time via
// -ldflags. The zero values below are used for `go run`/unreleased
// builds.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String renders a one-line identifying string for the --version flag and
// the startup banner.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime)
}

// Banner renders a short startup banner.
func Banner(processName string) string {
	return fmt.Sprintf("relayforge %s %s", processName, String())
}
