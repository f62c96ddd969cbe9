package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fgeck/temporal-ops/internal/config"
	"github.com/fgeck/temporal-ops/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the environment file",
	Long:  `Validate the environment file without touching the stack.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	// Check if file exists
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		log.Error().Str("file", envFile).Msg("env file not found")
		return fmt.Errorf("env file not found: %s", envFile)
	}

	// Load configuration
	parser := config.NewParser()
	cfg, err := parser.LoadFile(envFile)
	if err != nil {
		log.Error().Err(err).Str("file", envFile).Msg("failed to parse env file")
		return err
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Domain: %s\n", cfg.Domain)
	fmt.Printf("  Project: %s (%s)\n", cfg.Project.Name, cfg.Project.Dir)
	fmt.Printf("  Compose file: %s\n", cfg.Project.ComposeFile)
	fmt.Printf("  Database: %s@%s:%d\n", cfg.Database.Username, cfg.Database.Host, cfg.Database.Port)
	fmt.Printf("  Database probe network: %s\n", cfg.Database.Network)
	fmt.Println()
	fmt.Println("Deploy:")
	fmt.Printf("  Primary service: %s\n", cfg.Project.PrimaryService)
	fmt.Printf("  Health command: %s\n", strings.Join(cfg.Health.Command, " "))
	fmt.Printf("  Health gate: %d attempts every %s after %s settle\n",
		cfg.Health.MaxAttempts, cfg.Health.Interval, cfg.Health.Settle)
	fmt.Printf("  gRPC probe: %s\n", cfg.Health.GRPCAddr)
	fmt.Printf("  UI probe: %s\n", cfg.Health.UIURL)
	fmt.Println()
	fmt.Println("Backup:")
	fmt.Printf("  Directory: %s\n", cfg.Backup.Dir)
	if len(cfg.Backup.Volumes) > 0 {
		fmt.Printf("  Volumes: %v\n", cfg.Backup.Volumes)
	} else {
		fmt.Println("  Volumes: (from compose file)")
	}
	fmt.Printf("  Search index: %s at %s\n", cfg.Elasticsearch.Index, cfg.Elasticsearch.URL)
	fmt.Printf("  Retention: %d day(s)\n", cfg.Retention.Days)
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Remote storage: %v\n", cfg.RemoteStorage != nil)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	fmt.Printf("  Metrics textfile: %v\n", cfg.MetricsTextfile != "")

	if cfg.RemoteStorage != nil {
		fmt.Println()
		fmt.Println("Remote Storage Configuration:")
		fmt.Printf("  Endpoint: %s\n", cfg.RemoteStorage.Endpoint)
		fmt.Printf("  Bucket: %s\n", cfg.RemoteStorage.Bucket)
		fmt.Printf("  Prefix: %s\n", cfg.Backup.RemotePrefix)
		fmt.Printf("  Credentials: (configured)\n")
	}

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	if cfg.MetricsTextfile != "" {
		fmt.Println()
		fmt.Println("Metrics:")
		fmt.Printf("  Deploy: %s\n", metrics.TextfilePath(cfg.MetricsTextfile, metrics.KindDeploy))
		fmt.Printf("  Backup: %s\n", metrics.TextfilePath(cfg.MetricsTextfile, metrics.KindBackup))
	}

	return nil
}
