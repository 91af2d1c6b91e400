package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fuzzytales/fuzzy/pkg/logging"
	"github.com/fuzzytales/fuzzy/pkg/server"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lobby server",
		Long: `Run the lobby server until an authenticated client sends SHUTDOWN
or the process receives SIGINT/SIGTERM.

The config file is created with documented defaults if it does not exist.
FUZZY_SECTION_KEY environment variables override file settings.

Examples:
  fuzzyd serve
  fuzzyd serve --config ./server.toml --debug
  FUZZY_SERVER_PORT=8000 fuzzyd serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	return cmd
}

func runServe(configPath string, debug bool) error {
	tomlConfig, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logConfig := tomlConfig.LoggingConfig()
	if debug {
		logConfig.Level = "debug"
	}
	logging.Init(logConfig)

	config, err := tomlConfig.ToServerConfig()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	srv, err := server.NewServer(config)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		srv.Stop()
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info().
		Str("version", version).
		Str("addr", srv.Addr().String()).
		Str("key_file", config.KeyFile).
		Msg("fuzzyd running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	stopped := make(chan struct{})
	go func() {
		srv.Wait()
		close(stopped)
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-stopped:
		log.Info().Msg("shutdown requested by client")
	}

	return srv.Stop()
}
