package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/voicebridge/internal/bus"
	"github.com/loqalabs/voicebridge/internal/playback"
	"github.com/spf13/cobra"
)

var sayChunkLength int

var sayCmd = &cobra.Command{
	Use:   "say <text>",
	Short: "Speak text through the configured speaker in bounded chunks",
	Long: `Speak text through the configured playback speaker, one chunk at a time.

Example:
  voicebridge say "Hello there. This reply is split at sentence boundaries."
  voicebridge say --chunk-length 40 "A shorter chunk length for testing."`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Telemetry.LogLevel)
		if cmd.Flags().Changed("chunk-length") {
			cfg.Playback.ChunkLength = sayChunkLength
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var client *bus.Client
		if cfg.Playback.Mode == "bus" {
			if client, err = bus.Connect(ctx, "voicebridge-say", cfg.Bus, logger); err != nil {
				return err
			}
			defer client.Close()
		}
		speaker, closeSpeaker, err := playback.NewSpeaker(cfg.Playback, client, logger)
		if err != nil {
			return err
		}
		defer closeSpeaker()

		session, err := playback.NewSession(strings.Join(args, " "), speaker, playback.OptionsFromConfig(cfg.Playback, logger))
		if errors.Is(err, playback.ErrEmptyText) {
			return fmt.Errorf("nothing to say")
		}
		if err != nil {
			return err
		}
		if err := session.Start(ctx, nil); err != nil {
			return err
		}
		select {
		case <-session.Done():
		case <-ctx.Done():
			session.Cancel()
			<-session.Done()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "spoke %d chunks (%d/%d runes)\n", session.Spoken(), session.Offset(), session.Len())
		return nil
	},
}

func init() {
	sayCmd.Flags().IntVar(&sayChunkLength, "chunk-length", 0, "Maximum runes per chunk (default from config)")
}
