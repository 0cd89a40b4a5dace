package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/loqalabs/voicebridge/internal/runtime"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge: bus, services, turn controller and HTTP controls",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Telemetry.LogLevel)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := runtime.New(cfg, logger).Start(ctx); err != nil {
			logger.Error("runtime exited with error", slog.String("error", err.Error()))
			return err
		}
		logger.Info("shutdown complete")
		return nil
	},
}
