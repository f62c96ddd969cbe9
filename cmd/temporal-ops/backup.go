package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/temporal-ops/internal/services/backup"
	"github.com/fgeck/temporal-ops/internal/services/docker"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a point-in-time backup",
	Long: `Execute the complete backup workflow:
1. Capture the search index (snapshot API, elasticdump fallback)
2. Copy configuration files
3. Archive every declared volume
4. Write the manifest and compress
5. Upload to object storage (if configured)
6. Apply the retention policy
7. Send Telegram notification (if configured)`,
	RunE: runBackup,
}

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Delete backups older than the retention window",
	RunE:  runRetention,
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Inspect existing backups",
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local and remote backup archives",
	RunE:  runBackupsList,
}

func init() {
	backupsCmd.AddCommand(backupsListCmd)
}

func newBackupService() (*backup.Impl, func(), error) {
	dockerSvc, err := docker.New(log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("docker unavailable")
		return nil, nil, err
	}
	return backup.New(log.Logger, dockerSvc), func() { _ = dockerSvc.Close() }, nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog := attachLogFile(cfg.LogFile)
	defer closeLog()

	ctx, cancel := signalContext()
	defer cancel()

	svc, closeSvc, err := newBackupService()
	if err != nil {
		return err
	}
	defer closeSvc()

	record, err := svc.Run(ctx, *cfg)
	if err != nil {
		log.Error().Err(err).Msg("backup failed")
		return err
	}

	log.Info().
		Str("name", record.Name).
		Str("path", record.LocalPath).
		Int("warnings", len(record.Warnings)).
		Msg("backup completed")
	return nil
}

func runRetention(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc, closeSvc, err := newBackupService()
	if err != nil {
		return err
	}
	defer closeSvc()

	res, err := svc.Sweep(ctx, *cfg)
	log.Info().
		Int("retention_days", cfg.Retention.Days).
		Int("local_deleted", len(res.LocalDeleted)).
		Int("local_kept", res.LocalKept).
		Int("remote_deleted", len(res.RemoteDeleted)).
		Int("remote_kept", res.RemoteKept).
		Msg("retention applied")
	if err != nil {
		log.Error().Err(err).Msg("retention failed")
		return err
	}
	return nil
}

func runBackupsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc, closeSvc, err := newBackupService()
	if err != nil {
		return err
	}
	defer closeSvc()

	artifacts, err := svc.List(ctx, *cfg)
	for _, a := range artifacts {
		where := "local "
		if a.Remote {
			where = "remote"
		}
		fmt.Printf("%s  %-45s  %10s  %s\n", where, a.Name,
			humanize.IBytes(uint64(a.SizeBytes)), // #nosec G115 -- sizes are non-negative
			humanize.RelTime(a.LastModified, time.Now(), "ago", "from now"))
	}
	if err != nil {
		log.Error().Err(err).Msg("listing incomplete")
		return err
	}
	if len(artifacts) == 0 {
		fmt.Println("No backups found.")
	}
	return nil
}
