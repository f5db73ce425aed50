package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/ramiqadoumi/go-messenger/internal/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("messenger %s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion())
}
