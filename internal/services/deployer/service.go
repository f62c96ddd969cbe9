// Package deployer converges the host onto the latest pulled Temporal
// images, gating the switch-over on the service's own health check.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fgeck/temporal-ops/internal/clock"
	"github.com/fgeck/temporal-ops/internal/fsutil"
	"github.com/fgeck/temporal-ops/internal/lock"
	"github.com/fgeck/temporal-ops/internal/metrics"
	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/fgeck/temporal-ops/internal/services/compose"
	"github.com/fgeck/temporal-ops/internal/services/database"
	"github.com/fgeck/temporal-ops/internal/services/docker"
	"github.com/fgeck/temporal-ops/internal/services/probe"
	"github.com/fgeck/temporal-ops/internal/services/telegram"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Fatal precondition failures.
var (
	ErrMissingDatabaseConfig = errors.New("missing database configuration")
	ErrDatabaseUnreachable   = errors.New("database is unreachable")
)

// Service defines the interface for the deployment controller.
type Service interface {
	Deploy(ctx context.Context, cfg models.Config) (*models.DeploymentState, error)
}

// ImagePruner removes dangling images.
type ImagePruner interface {
	PruneDanglingImages(ctx context.Context) (*models.PruneResult, error)
}

// Impl implements the deployer Service interface.
type Impl struct {
	composeSvc  compose.Service
	pruner      ImagePruner
	databaseSvc database.Service
	probeSvc    probe.Service
	telegramSvc telegram.Service
	clock       clock.Clock
	logger      zerolog.Logger
}

// New creates a deployment controller using dockerSvc for the database
// probe and image pruning.
func New(logger zerolog.Logger, dockerSvc docker.Service) *Impl {
	return &Impl{
		composeSvc:  compose.New(logger),
		pruner:      dockerSvc,
		databaseSvc: database.New(logger, dockerSvc),
		probeSvc:    probe.New(logger),
		telegramSvc: telegram.New(logger),
		clock:       clock.Real(),
		logger:      logger,
	}
}

// NewWithServices creates a deployment controller with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	composeSvc compose.Service,
	pruner ImagePruner,
	databaseSvc database.Service,
	probeSvc probe.Service,
	telegramSvc telegram.Service,
	c clock.Clock,
) *Impl {
	return &Impl{
		composeSvc:  composeSvc,
		pruner:      pruner,
		databaseSvc: databaseSvc,
		probeSvc:    probeSvc,
		telegramSvc: telegramSvc,
		clock:       c,
		logger:      logger,
	}
}

// Deploy runs one deployment. Health gate failures roll the stack back and
// are reported as warnings; only precondition failures and a failed
// rollback return an error.
//
//nolint:gocognit,gocyclo // deploy workflow has multiple steps by design
func (s *Impl) Deploy(ctx context.Context, cfg models.Config) (*models.DeploymentState, error) {
	state := &models.DeploymentState{
		RunID:     uuid.NewString(),
		Rollout:   models.StateIdle,
		StartTime: s.clock.Now(),
	}
	logger := s.logger.With().Str("run_id", state.RunID).Logger()

	var failedStep string
	var runErr error

	logger.Info().
		Str("project", cfg.Project.Name).
		Str("dir", cfg.Project.Dir).
		Msg("starting deployment")

	defer func() {
		state.Duration = s.clock.Now().Sub(state.StartTime)
		s.report(ctx, logger, cfg, state, failedStep, runErr)
	}()

	failedStep = "config"
	if err := checkDatabaseConfig(cfg.Database); err != nil {
		runErr = err
		return state, err
	}

	failedStep = "database"
	if err := s.checkDatabase(ctx, cfg.Database); err != nil {
		runErr = err
		return state, err
	}

	failedStep = "lock"
	l, err := lock.Acquire(lock.PathFor(cfg.Project.Dir, cfg.Project.Name, "deploy"))
	if err != nil {
		runErr = err
		return state, err
	}
	defer func() { _ = l.Release() }()

	failedStep = "pull"
	logger.Info().Msg("pulling images")
	if err := s.composeSvc.Pull(ctx, cfg.Project); err != nil {
		runErr = err
		return state, err
	}

	if dir, err := s.snapshotConfig(cfg.Project); err != nil {
		logger.Warn().Err(err).Msg("failed to snapshot configuration")
		state.Warn("configuration snapshot failed: " + err.Error())
	} else if dir != "" {
		state.ConfigBackup = dir
		logger.Info().Str("dir", dir).Msg("configuration snapshot written")
	}

	failedStep = "detect"
	running, err := s.composeSvc.RunningServices(ctx, cfg.Project)
	if err != nil {
		runErr = err
		return state, err
	}

	if slices.Contains(running, cfg.Project.PrimaryService) {
		state.Mode = models.ModeRollingUpdate
		failedStep = "rollout"
		if err := s.rollingUpdate(ctx, logger, cfg, state); err != nil {
			runErr = err
			return state, err
		}
	} else {
		state.Mode = models.ModeFreshInstall
		failedStep = "install"
		if err := s.freshInstall(ctx, logger, cfg, state); err != nil {
			runErr = err
			return state, err
		}
	}

	s.runProbes(ctx, logger, cfg.Health, state)
	s.prune(ctx, logger)

	failedStep = ""
	logger.Info().
		Str("mode", string(state.Mode)).
		Str("rollout", string(state.Rollout)).
		Int("warnings", len(state.Warnings)).
		Dur("duration", s.clock.Now().Sub(state.StartTime)).
		Msg("deployment finished")

	return state, nil
}

func checkDatabaseConfig(cfg models.DatabaseConfig) error {
	var missing []string
	if cfg.Host == "" {
		missing = append(missing, "POSTGRES_HOST")
	}
	if cfg.Username == "" {
		missing = append(missing, "POSTGRES_USER")
	}
	if cfg.Password == "" {
		missing = append(missing, "POSTGRES_PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingDatabaseConfig, strings.Join(missing, ", "))
	}
	return nil
}

func (s *Impl) checkDatabase(ctx context.Context, cfg models.DatabaseConfig) error {
	result, err := s.databaseSvc.Probe(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseUnreachable, err)
	}
	if result.Error != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseUnreachable, result.Error)
	}
	if !result.Reachable {
		return ErrDatabaseUnreachable
	}
	return nil
}

// snapshotConfig copies compose files, env files and dynamic config into
// <project>/backups/config-<ts>. It returns "" when there is no compose
// file yet.
func (s *Impl) snapshotConfig(project models.ProjectSettings) (string, error) {
	if !fsutil.Exists(project.ComposeFile) {
		return "", nil
	}

	dest := filepath.Join(project.Dir, "backups", "config-"+s.clock.Now().Format(models.BackupTimestampFormat))
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return "", err
	}

	files := fsutil.Glob(project.Dir, "*.yml", "*.yaml", ".env", ".env.*")
	if !slices.Contains(files, project.ComposeFile) {
		files = append(files, project.ComposeFile)
	}
	for _, f := range files {
		if err := fsutil.CopyFile(f, filepath.Join(dest, filepath.Base(f))); err != nil {
			return dest, err
		}
	}

	dyn := filepath.Join(project.Dir, "dynamicconfig")
	if fsutil.Exists(dyn) {
		if err := fsutil.CopyDir(dyn, filepath.Join(dest, "dynamicconfig")); err != nil {
			return dest, err
		}
	}

	return dest, nil
}

func (s *Impl) freshInstall(ctx context.Context, logger zerolog.Logger, cfg models.Config, state *models.DeploymentState) error {
	logger.Info().Msg("no running primary service, starting the full stack")

	if err := s.composeSvc.Up(ctx, cfg.Project, compose.UpOptions{}); err != nil {
		return err
	}

	if err := clock.Sleep(ctx, s.clock, cfg.Health.Settle); err != nil {
		return err
	}

	status, err := s.composeSvc.Status(ctx, cfg.Project, cfg.Project.PrimaryService)
	if err != nil || !strings.Contains(status, "Up") {
		logger.Warn().Err(err).Str("status", status).Msg("primary service not reported up yet")
		state.Warn(fmt.Sprintf("%s not reported Up after %s; it may still be starting",
			cfg.Project.PrimaryService, cfg.Health.Settle))
		return nil
	}

	logger.Info().Msg("stack started")
	return nil
}

func (s *Impl) rollingUpdate(ctx context.Context, logger zerolog.Logger, cfg models.Config, state *models.DeploymentState) error {
	r := newRollout(s.composeSvc, s.clock, logger, cfg.Project, cfg.Health, state)
	if err := r.Run(ctx); err != nil {
		return err
	}

	logger.Info().
		Str("outcome", string(state.Outcome)).
		Str("rollout", string(state.Rollout)).
		Int("attempts", state.HealthAttempts).
		Msg("rolling update finished")

	return nil
}

func (s *Impl) runProbes(ctx context.Context, logger zerolog.Logger, health models.HealthSettings, state *models.DeploymentState) {
	var results []*models.ProbeResult
	collect := func(name, target string, r *models.ProbeResult, err error) {
		if err != nil || r == nil {
			r = &models.ProbeResult{Name: name, Target: target, Error: err}
		}
		results = append(results, r)
	}

	if health.GRPCAddr != "" {
		r, err := s.probeSvc.GRPC(ctx, health.GRPCAddr)
		collect("grpc", health.GRPCAddr, r, err)
	}
	if health.UIURL != "" {
		r, err := s.probeSvc.HTTP(ctx, health.UIURL)
		collect("http", health.UIURL, r, err)
	}

	for _, r := range results {
		if r.Healthy {
			continue
		}
		msg := fmt.Sprintf("%s probe of %s failed", r.Name, r.Target)
		if r.Error != nil {
			msg += ": " + r.Error.Error()
		}
		logger.Warn().Msg(msg)
		state.Warn(msg)
	}
}

func (s *Impl) prune(ctx context.Context, logger zerolog.Logger) {
	if s.pruner == nil {
		return
	}
	result, err := s.pruner.PruneDanglingImages(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("image prune failed")
		return
	}
	if result.Error != nil {
		logger.Debug().Err(result.Error).Msg("image prune failed")
	}
}

func (s *Impl) report(
	ctx context.Context,
	logger zerolog.Logger,
	cfg models.Config,
	state *models.DeploymentState,
	failedStep string,
	runErr error,
) {
	for _, w := range state.Warnings {
		logger.Warn().Str("warning", w).Msg("deployment warning")
	}

	if cfg.MetricsTextfile != "" {
		rec := metrics.NewRecorder()
		rec.ObserveDeploy(state, runErr == nil)
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
		Kind:      models.NotifyDeploy,
		Success:   runErr == nil,
		Host:      host,
		Domain:    cfg.Domain,
		StartTime: state.StartTime,
		Duration:  state.Duration.Round(time.Second),
		Mode:      state.Mode,
		Outcome:   state.Outcome,
		Rollout:   state.Rollout,
		Warnings:  state.Warnings,
	}
	if runErr != nil {
		msg.FailedStep = failedStep
		msg.ErrorMessage = runErr.Error()
	}

	// The run context may be cancelled; the report should still go out.
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
