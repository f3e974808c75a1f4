package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/stm/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the supervisor server",
	Long: `Starts the HTTP/WebSocket server and all supervision singletons:
session supervisor, context monitor, waiting detector, ticket state machine,
reviewer, and handoff controller. Runs until interrupted.`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	app, err := server.NewApp(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("stm starting", "version", Version, "host", cfg.Server.Host, "port", cfg.Server.Port)
	return app.Run(ctx)
}
