package main

import "os"

// Populated by the release build via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand(version, commit, date).Execute(); err != nil {
		os.Exit(1)
	}
}
