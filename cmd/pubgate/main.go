package main

import (
	"os"

	"github.com/3leaps/pubgate/internal/cmd"
	"github.com/3leaps/pubgate/internal/observability"
)

// Injected via ldflags at build time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		observability.CLILogger.Error(err.Error())
		observability.Sync()
		os.Exit(1)
	}
}
