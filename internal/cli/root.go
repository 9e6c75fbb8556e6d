// Package cli implements the worker pool's command surface with cobra:
// worker, enqueue-missing, and the service management commands.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MorrisSimons/podcast-transcriber/internal/config"
	"github.com/MorrisSimons/podcast-transcriber/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "transcribeworker",
	Short: "Podcast transcription worker pool",
	Long:  `Consumes audio keys from a broker stream, transcribes them with a local model engine, and uploads transcripts back to object storage.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// loadConfig loads and validates process configuration, exiting with
// code 1 on a ConfigError.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel)
	return cfg
}

func backgroundContext() context.Context {
	return context.Background()
}
