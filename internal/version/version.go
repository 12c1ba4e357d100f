package version

import (
	"fmt"
	"runtime"
)

// Set via ldflags at build time:
//
//	-X github.com/gamenest/buildsync/internal/version.Version=v0.3.0
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func GoVersion() string {
	return runtime.Version()
}

// String is the one-line banner printed by `buildsync version` and at startup.
func String() string {
	return fmt.Sprintf("buildsync %s (%s) built %s, %s", Version, Commit, BuildDate, GoVersion())
}
