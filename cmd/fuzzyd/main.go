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

const (
	defaultConfigPath = "~/.fuzzy/server.toml"
	defaultKeyFile    = "~/.fuzzy/server.key"
	defaultAddr       = "127.0.0.1:7557"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fuzzyd",
		Short: "FUZZY Tales lobby server",
		Long: `fuzzyd runs the FUZZY Tales lobby: clients authenticate with the
server's session key, create and join rooms, and start games.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		shutdownCmd(),
		statusCmd(),
		loadtestCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
