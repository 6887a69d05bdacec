package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gamewire",
		Short: "Framed TCP transport for turn-based game servers",
		Long: `Gamewire is a poll-based TCP message transport.

It frames every message with a 6-byte header (message id plus payload
length), multiplexes connections with a single-threaded reactor, and
surfaces everything that happens on the wire as a bounded event queue.

Commands:
  serve    run a frame echo server with optional admin endpoints
  ping     check that a server answers framed messages
  version  print build information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		pingCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
