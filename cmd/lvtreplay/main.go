package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/livefir/lvtclient/cmd/lvtreplay/commands"
)

// Version information (can be overridden at build time with -ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := commands.NewRootCommand()
	root.Version = versionString()

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionString() string {
	rev := commit
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && rev == "unknown" {
				rev = s.Value
				if len(rev) > 7 {
					rev = rev[:7]
				}
			}
		}
	}
	return fmt.Sprintf("%s (%s)", version, rev)
}
