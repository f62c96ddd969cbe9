// Package database checks that the PostgreSQL server used by Temporal
// accepts connections before any container is touched.
package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/rs/zerolog"
)

const probeTimeout = 2 * time.Minute

// Service defines the interface for database connectivity checks.
type Service interface {
	Probe(ctx context.Context, cfg models.DatabaseConfig) (*models.DatabaseProbeResult, error)
}

// ContainerRunner runs a container to completion.
type ContainerRunner interface {
	RunEphemeral(ctx context.Context, spec models.EphemeralContainer) (*models.EphemeralResult, error)
}

// Impl implements the database Service interface.
type Impl struct {
	runner ContainerRunner
	logger zerolog.Logger
}

// New creates a new database service running psql through runner.
func New(logger zerolog.Logger, runner ContainerRunner) *Impl {
	return &Impl{
		runner: runner,
		logger: logger,
	}
}

// Probe runs `psql -c 'SELECT 1'` from a throwaway client container on the
// configured network.
func (s *Impl) Probe(ctx context.Context, cfg models.DatabaseConfig) (*models.DatabaseProbeResult, error) {
	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("user", cfg.Username).
		Str("network", cfg.Network).
		Msg("checking database connectivity")

	result := &models.DatabaseProbeResult{}

	if cfg.Host == "" || cfg.Username == "" {
		result.Error = errors.New("database host and user are required")
		return result, nil
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	network := cfg.Network
	if network == "" {
		network = "host"
	}

	run, err := s.runner.RunEphemeral(ctx, models.EphemeralContainer{
		Name:  "db-probe",
		Image: cfg.Image,
		Command: []string{
			"psql",
			"-h", cfg.Host,
			"-p", strconv.Itoa(port),
			"-U", cfg.Username,
			"-d", "postgres",
			"-tAc", "SELECT 1",
		},
		Env:     []string{"PGPASSWORD=" + cfg.Password, "PGCONNECT_TIMEOUT=10"},
		Network: network,
		Timeout: probeTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run database probe: %w", err)
	}

	result.Duration = run.Duration
	result.Output = strings.TrimSpace(run.Stdout)

	if run.Error != nil {
		result.Error = run.Error
		s.logger.Error().Err(run.Error).Msg("database is not reachable")
		return result, nil
	}
	if result.Output != "1" {
		result.Error = fmt.Errorf("unexpected probe output %q", result.Output)
		return result, nil
	}

	result.Reachable = true

	s.logger.Info().
		Dur("duration", result.Duration).
		Msg("database is reachable")

	return result, nil
}
