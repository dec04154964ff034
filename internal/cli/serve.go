package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"atelier/internal/server"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Atelier gateway",
		Long: `Start the Atelier gateway.

The gateway serves:
- the REST API under /api/v1
- the per-project WebSocket event stream under /ws/{projectId}
- agent supervision and tool-call routing to the configured bridges

It listens on the configured host and port (default: 127.0.0.1:8765).`,
		Example: `  # Start with the default configuration
  atelier serve

  # Start on a different port
  atelier serve --port 9000

  # Start with debug logging
  atelier serve --verbose`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	cfg := cliCtx.Config
	log := cliCtx.Log()

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Gateway.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Gateway.Host = host
	}
	cfg.Storage.Path = cliCtx.StoragePath

	log.Info().Str("config", cliCtx.ConfigPath).Msg("Starting Atelier gateway...")

	srv, err := server.New(server.Options{Config: cfg, Version: Version})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		_ = srv.Stop()
		return fmt.Errorf("failed to start server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var serveErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down...")
	case serveErr = <-srv.ErrorChan():
		log.Error().Err(serveErr).Msg("Server error")
	}

	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}
