package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fgeck/temporal-ops/internal/config"
	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	envFile    string
	verbose    bool
	quiet      bool
	jsonOutput bool

	consoleOut io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "temporal-ops",
	Short: "Deployment and backup operations for a self-hosted Temporal stack",
	Long: `temporal-ops manages a docker compose hosted Temporal server:
  - zero-downtime rolling updates with health gating and rollback
  - point-in-time backups of volumes, search index and configuration
  - retention of local and S3-compatible remote archives
  - Telegram notifications

Use as a one-shot command with an external scheduler (cron, systemd timer, etc.)`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&envFile, "env-file", "e", ".env", "environment file with the stack configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(retentionCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	// Set output format
	if jsonOutput {
		consoleOut = os.Stdout
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		consoleOut = output
	}
	log.Logger = zerolog.New(consoleOut).With().Timestamp().Logger()

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// attachLogFile tees the global logger into the configured log file as
// JSON lines. The returned function closes the file.
func attachLogFile(path string) func() {
	if path == "" {
		return func() {}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("log file disabled")
		return func() {}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // path from config
	if err != nil {
		log.Warn().Err(err).Str("file", path).Msg("log file disabled")
		return func() {}
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(consoleOut, f)).With().Timestamp().Logger()
	return func() {
		log.Logger = zerolog.New(consoleOut).With().Timestamp().Logger()
		_ = f.Close()
	}
}

// loadConfig reads and validates the env file named by --env-file.
func loadConfig() (*models.Config, error) {
	parser := config.NewParser()
	cfg, err := parser.LoadFile(envFile)
	if err != nil {
		log.Error().Err(err).Str("file", envFile).Msg("failed to load config")
		return nil, err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("temporal-ops: %w", err)
	}
	return nil
}
