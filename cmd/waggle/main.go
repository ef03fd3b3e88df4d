package main

import (
	"errors"
	"os"

	"waggle/cmd/waggle/commands"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)

	// Errors are printed by the printer package with color formatting; the
	// reservation gate alone maps to exit 2 so hosts can tell a deliberate
	// denial from a failure.
	if err := commands.Execute(); err != nil {
		if errors.Is(err, commands.ErrGateDenied) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
