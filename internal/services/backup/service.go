// Package backup produces point-in-time archives of the Temporal stack and
// enforces the retention window locally and in object storage.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/temporal-ops/internal/clock"
	"github.com/fgeck/temporal-ops/internal/fsutil"
	"github.com/fgeck/temporal-ops/internal/lock"
	"github.com/fgeck/temporal-ops/internal/metrics"
	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/fgeck/temporal-ops/internal/services/archive"
	"github.com/fgeck/temporal-ops/internal/services/compose"
	"github.com/fgeck/temporal-ops/internal/services/docker"
	"github.com/fgeck/temporal-ops/internal/services/elasticsearch"
	"github.com/fgeck/temporal-ops/internal/services/objectstore"
	"github.com/fgeck/temporal-ops/internal/services/retention"
	"github.com/fgeck/temporal-ops/internal/services/telegram"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrWorkDir is returned when the working directory cannot be created.
var ErrWorkDir = errors.New("failed to create backup working directory")

// ConfigDirName holds the copied configuration inside a backup.
const ConfigDirName = "configuration"

// Service defines the interface for the backup lifecycle manager.
type Service interface {
	Run(ctx context.Context, cfg models.Config) (*models.BackupRecord, error)
	Sweep(ctx context.Context, cfg models.Config) (models.RetentionResult, error)
	List(ctx context.Context, cfg models.Config) ([]models.BackupArtifact, error)
}

// ContainerRuntime is the subset of the docker service used by backups.
type ContainerRuntime interface {
	RunEphemeral(ctx context.Context, spec models.EphemeralContainer) (*models.EphemeralResult, error)
	ServiceImage(ctx context.Context, project models.ProjectSettings, service string) (*models.ImageIdentity, error)
}

// Sweeper applies the retention policy.
type Sweeper interface {
	SweepLocal(dir string, policy models.RetentionPolicy) ([]string, int, error)
	SweepRemote(ctx context.Context, store retention.RemoteStore, prefix string, policy models.RetentionPolicy) ([]string, int, error)
}

// StoreFactory connects to object storage. It is only called when remote
// storage is configured.
type StoreFactory func(ctx context.Context, cfg models.RemoteStorageConfig) (objectstore.Service, error)

// Impl implements the backup Service interface.
type Impl struct {
	composeSvc  compose.Service
	runtime     ContainerRuntime
	esSvc       elasticsearch.Service
	sweeper     Sweeper
	newStore    StoreFactory
	telegramSvc telegram.Service
	clock       clock.Clock
	logger      zerolog.Logger

	copyFile func(src, dst string) error
	copyDir  func(src, dst string) error
}

// New creates a backup service using dockerSvc for helper containers.
func New(logger zerolog.Logger, dockerSvc docker.Service) *Impl {
	c := clock.Real()
	return &Impl{
		composeSvc: compose.New(logger),
		runtime:    dockerSvc,
		esSvc:      elasticsearch.New(logger, dockerSvc),
		sweeper:    retention.New(logger, c),
		newStore: func(ctx context.Context, cfg models.RemoteStorageConfig) (objectstore.Service, error) {
			return objectstore.New(ctx, logger, cfg)
		},
		telegramSvc: telegram.New(logger),
		clock:       c,
		logger:      logger,
		copyFile:    fsutil.CopyFile,
		copyDir:     fsutil.CopyDir,
	}
}

// NewWithServices creates a backup service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	composeSvc compose.Service,
	runtime ContainerRuntime,
	esSvc elasticsearch.Service,
	sweeper Sweeper,
	newStore StoreFactory,
	telegramSvc telegram.Service,
	c clock.Clock,
) *Impl {
	return &Impl{
		composeSvc:  composeSvc,
		runtime:     runtime,
		esSvc:       esSvc,
		sweeper:     sweeper,
		newStore:    newStore,
		telegramSvc: telegramSvc,
		clock:       c,
		logger:      logger,
		copyFile:    fsutil.CopyFile,
		copyDir:     fsutil.CopyDir,
	}
}

// Run executes one backup. Only lock contention and a failure to create
// the working directory are fatal; every other step degrades to a warning
// recorded on the returned record.
//
//nolint:gocognit,gocyclo // backup workflow has multiple steps by design
func (s *Impl) Run(ctx context.Context, cfg models.Config) (*models.BackupRecord, error) {
	now := s.clock.Now()
	record := &models.BackupRecord{
		RunID:     uuid.NewString(),
		Timestamp: now,
		Name:      models.BackupNamePrefix + now.Format(models.BackupTimestampFormat),
	}
	logger := s.logger.With().Str("run_id", record.RunID).Str("backup", record.Name).Logger()

	var failedStep string
	var runErr error

	logger.Info().Str("dir", cfg.Backup.Dir).Msg("starting backup")

	defer func() {
		record.Duration = s.clock.Now().Sub(now)
		s.report(ctx, logger, cfg, record, failedStep, runErr)
	}()

	failedStep = "lock"
	l, err := lock.Acquire(lock.PathFor(cfg.Project.Dir, cfg.Project.Name, "backup"))
	if err != nil {
		runErr = err
		return record, err
	}
	defer func() { _ = l.Release() }()

	// Step 1: working directory
	failedStep = "workdir"
	workDir := filepath.Join(cfg.Backup.Dir, record.Name)
	if err := os.MkdirAll(cfg.Backup.Dir, 0o750); err != nil {
		runErr = fmt.Errorf("%w: %w", ErrWorkDir, err)
		return record, runErr
	}
	if err := os.Mkdir(workDir, 0o750); err != nil {
		runErr = fmt.Errorf("%w: %w", ErrWorkDir, err)
		return record, runErr
	}
	record.LocalPath = workDir

	// Step 2: search index
	failedStep = "elasticsearch"
	if err := s.captureIndex(ctx, logger, cfg, record, workDir); err != nil {
		runErr = err
		return record, err
	}

	// Step 3: configuration
	s.copyConfig(logger, cfg, record, workDir)

	// Step 4: volumes
	failedStep = "volumes"
	if err := s.archiveVolumes(ctx, logger, cfg, record, workDir); err != nil {
		runErr = err
		return record, err
	}

	// Step 5: manifest
	failedStep = "manifest"
	if err := s.writeManifest(ctx, logger, cfg, record, workDir); err != nil {
		logger.Warn().Err(err).Msg("failed to write manifest")
		record.Warn("manifest not written: " + err.Error())
	}

	// Step 6: compress
	failedStep = "compress"
	archivePath := workDir + retention.ArchiveSuffix
	compressed := false
	size, err := archive.Compress(workDir, archivePath)
	if err != nil {
		logger.Warn().Err(err).Msg("compression failed, keeping working directory")
		record.Warn("compression failed, uncompressed backup kept at " + workDir + ": " + err.Error())
	} else {
		compressed = true
		record.SizeBytes = size
		record.LocalPath = archivePath
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn().Err(err).Msg("failed to remove working directory")
			record.Warn("working directory not removed: " + err.Error())
		}
	}

	// Step 7: upload
	var store objectstore.Service
	if cfg.RemoteStorage != nil {
		failedStep = "upload"
		store, err = s.newStore(ctx, *cfg.RemoteStorage)
		if err != nil {
			logger.Warn().Err(err).Msg("object storage unavailable")
			record.Warn("object storage unavailable: " + err.Error())
		} else if compressed {
			key := cfg.Backup.RemotePrefix + filepath.Base(archivePath)
			if err := store.Upload(ctx, archivePath, key); err != nil {
				logger.Warn().Err(err).Msg("upload failed, local archive kept")
				record.Warn("upload failed: " + err.Error())
			} else {
				record.RemoteKey = key
			}
		}
	}

	// Steps 8 and 9: retention
	failedStep = "retention"
	record.Retention = s.sweep(ctx, logger, cfg, store, cfg.RemoteStorage != nil)
	if record.Retention.LocalError != nil {
		record.Warn("local retention: " + record.Retention.LocalError.Error())
	}
	if record.Retention.RemoteError != nil {
		record.Warn("remote retention: " + record.Retention.RemoteError.Error())
	}

	if err := ctx.Err(); err != nil {
		runErr = err
		return record, err
	}

	// Step 10: report
	failedStep = ""
	event := logger.Info().
		Str("archive", record.LocalPath).
		Strs("components", record.Components).
		Int("warnings", len(record.Warnings)).
		Dur("duration", s.clock.Now().Sub(now))
	if record.SizeBytes > 0 {
		event = event.Str("size", humanize.IBytes(uint64(record.SizeBytes))) // #nosec G115 -- sizes are non-negative
	}
	if record.RemoteKey != "" {
		event = event.Str("remote_key", record.RemoteKey)
	}
	event.Msg("backup finished")

	return record, nil
}

func (s *Impl) captureIndex(ctx context.Context, logger zerolog.Logger, cfg models.Config, record *models.BackupRecord, workDir string) error {
	result, err := s.esSvc.Capture(ctx, elasticsearch.CaptureRequest{
		Config:       cfg.Elasticsearch,
		SnapshotName: record.Name,
		WorkDir:      workDir,
		HelperImage:  cfg.Backup.HelperImage,
		Network:      cfg.Backup.NetworkName,
	})
	if err != nil {
		return fmt.Errorf("search index capture aborted: %w", err)
	}

	record.SnapshotOutcome = result.Outcome
	switch result.Outcome {
	case models.SnapshotNative:
		logger.Info().Msg("search index captured with snapshot API")
	case models.SnapshotFallback:
		record.Warn("search index snapshot failed, used elasticdump fallback: " + errString(result.Error))
	default:
		record.SnapshotOutcome = models.SnapshotSkipped
		record.Warn("search index not captured: " + errString(result.Error))
	}
	return nil
}

func (s *Impl) copyConfig(logger zerolog.Logger, cfg models.Config, record *models.BackupRecord, workDir string) {
	dest := filepath.Join(workDir, ConfigDirName)
	projectDir := cfg.Project.Dir

	copyOne := func(src, name string, dir bool) {
		target := filepath.Join(dest, name)
		var err error
		if dir {
			err = s.copyDir(src, target)
		} else {
			err = s.copyFile(src, target)
		}
		if err != nil {
			// Partial copies would end up in the archive unlisted.
			_ = os.RemoveAll(target)
			logger.Warn().Err(err).Str("source", src).Msg("configuration artifact skipped")
			record.Warn(fmt.Sprintf("configuration %s not copied: %v", name, err))
			return
		}
		record.ConfigFiles = append(record.ConfigFiles, name)
	}

	for _, f := range fsutil.Glob(projectDir, ".env", ".env.*", "docker-compose*.yml", "docker-compose*.yaml") {
		copyOne(f, filepath.Base(f), false)
	}
	if dyn := filepath.Join(projectDir, "dynamicconfig"); fsutil.Exists(dyn) {
		copyOne(dyn, "dynamicconfig", true)
	}
	if cfg.Backup.NginxConfig != "" && fsutil.Exists(cfg.Backup.NginxConfig) {
		copyOne(cfg.Backup.NginxConfig, "nginx-"+filepath.Base(cfg.Backup.NginxConfig), false)
	}

	logger.Info().Int("files", len(record.ConfigFiles)).Msg("configuration copied")
}

func (s *Impl) archiveVolumes(ctx context.Context, logger zerolog.Logger, cfg models.Config, record *models.BackupRecord, workDir string) error {
	volumes := cfg.Backup.Volumes
	if len(volumes) == 0 {
		declared, err := s.composeSvc.DeclaredVolumes(cfg.Project)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to read declared volumes")
			record.Warn("volumes not archived: " + err.Error())
			return nil
		}
		volumes = declared
	}

	for _, v := range volumes {
		res := s.archiveVolume(ctx, cfg, v, workDir)
		if res.Error != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn().Err(res.Error).Str("volume", v).Msg("volume archive failed")
			record.FailedVolumes = append(record.FailedVolumes, v)
			record.Warn(fmt.Sprintf("volume %s not archived: %v", v, res.Error))
			continue
		}
		logger.Info().Str("volume", v).Dur("duration", res.Duration).Msg("volume archived")
		record.Volumes = append(record.Volumes, v)
	}
	return nil
}

func (s *Impl) archiveVolume(ctx context.Context, cfg models.Config, volume, workDir string) models.VolumeArchiveResult {
	file := volume + retention.ArchiveSuffix
	result := models.VolumeArchiveResult{Volume: volume, File: file}

	run, err := s.runtime.RunEphemeral(ctx, models.EphemeralContainer{
		Name:    "volume-" + volume,
		Image:   cfg.Backup.HelperImage,
		Command: []string{"tar", "czf", "/backup/" + file, "-C", "/volume", "."},
		Mounts: []models.VolumeMount{
			{Source: volume, Target: "/volume", ReadOnly: true},
			{Source: workDir, Target: "/backup", Bind: true},
		},
	})
	switch {
	case err != nil:
		result.Error = err
	case run.Error != nil:
		result.Error = run.Error
		result.Duration = run.Duration
	default:
		result.Duration = run.Duration
		if !fsutil.Exists(filepath.Join(workDir, file)) {
			result.Error = fmt.Errorf("%s missing after archive", file)
		}
	}
	if result.Error != nil {
		_ = os.Remove(filepath.Join(workDir, file))
	}
	return result
}

// components derives the manifest component list from what is on disk.
func components(record *models.BackupRecord, workDir string) []string {
	var out []string
	for _, f := range []string{elasticsearch.SnapshotArchive, elasticsearch.DumpFile} {
		if fsutil.Exists(filepath.Join(workDir, f)) {
			out = append(out, models.ComponentElasticsearch)
			break
		}
	}
	if len(record.ConfigFiles) > 0 {
		out = append(out, models.ComponentConfiguration)
	}
	if len(record.Volumes) > 0 {
		out = append(out, models.ComponentVolumes)
	}
	return out
}

func (s *Impl) writeManifest(ctx context.Context, logger zerolog.Logger, cfg models.Config, record *models.BackupRecord, workDir string) error {
	record.Components = components(record, workDir)
	if !slices.Contains(record.Components, models.ComponentElasticsearch) {
		record.SnapshotOutcome = models.SnapshotSkipped
	}

	host, _ := os.Hostname()
	manifest := models.Manifest{
		Timestamp:           record.Timestamp.Format(models.BackupTimestampFormat),
		Date:                record.Timestamp.UTC().Format(time.RFC3339),
		BackupType:          "full",
		Components:          nonNil(record.Components),
		ElasticsearchMethod: string(record.SnapshotOutcome),
		Volumes:             nonNil(record.Volumes),
		FailedVolumes:       nonNil(record.FailedVolumes),
		ConfigFiles:         nonNil(record.ConfigFiles),
		Hostname:            host,
		RunID:               record.RunID,
	}

	if img, err := s.runtime.ServiceImage(ctx, cfg.Project, cfg.Project.PrimaryService); err != nil {
		logger.Debug().Err(err).Msg("could not resolve deployed image")
		manifest.TemporalImage = "unknown"
	} else {
		manifest.TemporalImage = img.Name
		manifest.TemporalImageID = img.ID
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(workDir, archive.ManifestName), append(data, '\n'), 0o600)
}

// Sweep applies the retention policy without taking a backup.
func (s *Impl) Sweep(ctx context.Context, cfg models.Config) (models.RetentionResult, error) {
	l, err := lock.Acquire(lock.PathFor(cfg.Project.Dir, cfg.Project.Name, "backup"))
	if err != nil {
		return models.RetentionResult{}, err
	}
	defer func() { _ = l.Release() }()

	var store objectstore.Service
	if cfg.RemoteStorage != nil {
		store, err = s.newStore(ctx, *cfg.RemoteStorage)
		if err != nil {
			return models.RetentionResult{}, err
		}
	}

	res := s.sweep(ctx, s.logger, cfg, store, cfg.RemoteStorage != nil)
	return res, errors.Join(res.LocalError, res.RemoteError)
}

func (s *Impl) sweep(ctx context.Context, logger zerolog.Logger, cfg models.Config, store objectstore.Service, remote bool) models.RetentionResult {
	var res models.RetentionResult

	res.LocalDeleted, res.LocalKept, res.LocalError = s.sweeper.SweepLocal(cfg.Backup.Dir, cfg.Retention)
	if res.LocalError != nil {
		logger.Warn().Err(res.LocalError).Msg("local retention sweep failed")
	}

	if !remote {
		return res
	}
	if store == nil {
		res.RemoteError = errors.New("object storage unavailable")
		return res
	}
	res.RemoteDeleted, res.RemoteKept, res.RemoteError = s.sweeper.SweepRemote(ctx, store, cfg.Backup.RemotePrefix, cfg.Retention)
	if res.RemoteError != nil {
		logger.Warn().Err(res.RemoteError).Msg("remote retention sweep failed")
	}
	return res
}

// List returns local archives followed by remote objects, oldest first
// within each location.
func (s *Impl) List(ctx context.Context, cfg models.Config) ([]models.BackupArtifact, error) {
	artifacts, err := retention.ListLocal(cfg.Backup.Dir)
	if err != nil {
		return nil, err
	}
	if cfg.RemoteStorage == nil {
		return artifacts, nil
	}

	store, err := s.newStore(ctx, *cfg.RemoteStorage)
	if err != nil {
		return artifacts, err
	}
	remote, err := store.List(ctx, cfg.Backup.RemotePrefix)
	if err != nil {
		return artifacts, err
	}
	for _, a := range remote {
		if retention.IsBackupArchive(a.Name) {
			artifacts = append(artifacts, a)
		}
	}
	return artifacts, nil
}

func (s *Impl) report(
	ctx context.Context,
	logger zerolog.Logger,
	cfg models.Config,
	record *models.BackupRecord,
	failedStep string,
	runErr error,
) {
	for _, w := range record.Warnings {
		logger.Warn().Str("warning", w).Msg("backup warning")
	}

	if cfg.MetricsTextfile != "" {
		rec := metrics.NewRecorder()
		rec.ObserveBackup(record, runErr == nil && record.SizeBytes > 0)
		if path, err := rec.WriteTextfile(cfg.MetricsTextfile); err != nil {
			logger.Warn().Err(err).Msg("failed to write metrics")
		} else {
			logger.Debug().Str("file", path).Msg("metrics written")
		}
	}

	if cfg.Telegram == nil {
		return
	}

	host, _ := os.Hostname()
	msg := models.TelegramMessage{
		Kind:          models.NotifyBackup,
		Success:       runErr == nil,
		Host:          host,
		Domain:        cfg.Domain,
		StartTime:     record.Timestamp,
		Duration:      record.Duration,
		BackupName:    record.Name,
		Components:    record.Components,
		SizeBytes:     record.SizeBytes,
		RemoteKey:     record.RemoteKey,
		LocalDeleted:  len(record.Retention.LocalDeleted),
		RemoteDeleted: len(record.Retention.RemoteDeleted),
		Warnings:      record.Warnings,
	}
	if runErr != nil {
		msg.FailedStep = failedStep
		msg.ErrorMessage = runErr.Error()
	}

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	result, err := s.telegramSvc.SendNotification(notifyCtx, *cfg.Telegram, msg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
