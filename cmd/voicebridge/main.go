// Command voicebridge runs the voice bridge and offers helpers for trying
// playback and meeting links from a shell.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/voicebridge/internal/config"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "voicebridge",
	Short:         "Voice-driven bridge between speech capture, a language model and chunked playback",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and exit",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "voicebridge.yaml", "Path to configuration file")
	rootCmd.AddCommand(serveCmd, sayCmd, joinCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. A missing default file falls back to
// built-in defaults; an explicitly named one must exist.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	return config.Load(path)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
