package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fuzzytales/fuzzy/pkg/client"
)

func shutdownCmd() *cobra.Command {
	var (
		addr    string
		keyFile string
		key     string
	)

	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Ask a running server to stop",
		Long: `Authenticate with the server's session key and send SHUTDOWN.

The key is read from the server's key file unless --key is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				var err error
				key, err = client.ReadKeyFile(keyFile)
				if err != nil {
					return err
				}
			}
			return runShutdown(addr, key)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", defaultAddr, "Server address (host:port)")
	cmd.Flags().StringVar(&keyFile, "key-file", defaultKeyFile, "Path to the server key file")
	cmd.Flags().StringVar(&key, "key", "", "Session key (overrides --key-file)")

	return cmd
}

func runShutdown(addr, key string) error {
	c, err := client.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Authenticate(key); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := c.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	fmt.Printf("Server at %s is shutting down\n", addr)
	return nil
}
