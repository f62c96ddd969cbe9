package deployer

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/fgeck/temporal-ops/internal/clock"
	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/fgeck/temporal-ops/internal/services/compose"
	"github.com/rs/zerolog"
)

// ErrRollbackFailed is returned when the stack could not be restarted
// after a failed health gate.
var ErrRollbackFailed = errors.New("rollback failed")

// rollout drives a rolling update of the primary service:
//
//	Idle -> Scaling -> Polling -> Promoted
//	                          \-> RolledBack
//
// Any state may move to Failed when the container runtime rejects a
// command. Each call to Step performs exactly one transition.
type rollout struct {
	compose compose.Service
	clock   clock.Clock
	logger  zerolog.Logger
	project models.ProjectSettings
	health  models.HealthSettings
	state   *models.DeploymentState

	seenRunning bool
}

func newRollout(
	composeSvc compose.Service,
	c clock.Clock,
	logger zerolog.Logger,
	project models.ProjectSettings,
	health models.HealthSettings,
	state *models.DeploymentState,
) *rollout {
	state.Rollout = models.StateIdle
	return &rollout{
		compose: composeSvc,
		clock:   c,
		logger:  logger,
		project: project,
		health:  health,
		state:   state,
	}
}

// Run steps the machine until it reaches a terminal state.
func (r *rollout) Run(ctx context.Context) error {
	for !r.state.Rollout.Terminal() {
		if err := r.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Step performs one transition.
func (r *rollout) Step(ctx context.Context) error {
	switch r.state.Rollout {
	case models.StateIdle:
		return r.scaleUp(ctx)
	case models.StateScaling:
		return r.settle(ctx)
	case models.StatePolling:
		return r.poll(ctx)
	default:
		return fmt.Errorf("rollout already finished in state %s", r.state.Rollout)
	}
}

func (r *rollout) fail(err error) error {
	r.state.Rollout = models.StateFailed
	return err
}

func (r *rollout) scaleUp(ctx context.Context) error {
	primary := r.project.PrimaryService
	r.logger.Info().Str("service", primary).Msg("starting second instance next to the running one")

	err := r.compose.Up(ctx, r.project, compose.UpOptions{
		Services:   []string{primary},
		Scale:      map[string]int{primary: 2},
		NoDeps:     true,
		NoRecreate: true,
	})
	if err != nil {
		return r.fail(fmt.Errorf("failed to scale %s: %w", primary, err))
	}

	r.state.Rollout = models.StateScaling
	return nil
}

func (r *rollout) settle(ctx context.Context) error {
	r.logger.Info().Dur("settle", r.health.Settle).Msg("waiting for new instance to start")
	if err := clock.Sleep(ctx, r.clock, r.health.Settle); err != nil {
		return r.fail(err)
	}
	r.state.Rollout = models.StatePolling
	return nil
}

// poll runs one health attempt. On success it promotes; once attempts are
// exhausted it rolls back; otherwise it waits one interval and stays in
// Polling.
func (r *rollout) poll(ctx context.Context) error {
	r.state.HealthAttempts++
	attempt := r.state.HealthAttempts

	if r.healthy(ctx, attempt) {
		r.state.Outcome = models.OutcomeHealthy
		return r.promote(ctx)
	}

	if err := clock.Sleep(ctx, r.clock, r.health.Interval); err != nil {
		return r.fail(err)
	}

	if attempt < r.health.MaxAttempts {
		return nil
	}

	if r.seenRunning {
		r.state.Outcome = models.OutcomeTimedOut
	} else {
		r.state.Outcome = models.OutcomeUnhealthy
	}
	return r.rollback(ctx)
}

func (r *rollout) healthy(ctx context.Context, attempt int) bool {
	primary := r.project.PrimaryService
	log := r.logger.With().Int("attempt", attempt).Int("max_attempts", r.health.MaxAttempts).Logger()

	running, err := r.compose.RunningServices(ctx, r.project)
	if err != nil {
		log.Debug().Err(err).Msg("failed to list running services")
		return false
	}
	if !slices.Contains(running, primary) {
		log.Debug().Str("service", primary).Msg("service not running yet")
		return false
	}
	r.seenRunning = true

	out, err := r.compose.Exec(ctx, r.project, primary, r.health.Command)
	if err != nil {
		log.Debug().Err(err).Str("output", string(out)).Msg("health check not passing yet")
		return false
	}

	log.Info().Msg("health check passed")
	return true
}

func (r *rollout) promote(ctx context.Context) error {
	primary := r.project.PrimaryService
	r.logger.Info().Str("service", primary).Msg("promoting new instance")

	err := r.compose.Up(ctx, r.project, compose.UpOptions{
		Services:      []string{primary},
		Scale:         map[string]int{primary: 1},
		NoDeps:        true,
		RemoveOrphans: true,
	})
	if err != nil {
		return r.fail(fmt.Errorf("failed to scale %s back to one instance: %w", primary, err))
	}

	r.state.Rollout = models.StatePromoted
	return nil
}

func (r *rollout) rollback(ctx context.Context) error {
	r.logger.Warn().
		Str("outcome", string(r.state.Outcome)).
		Int("attempts", r.state.HealthAttempts).
		Msg("new instance never became healthy, restarting the stack")

	if err := r.compose.Down(ctx, r.project); err != nil {
		return r.fail(fmt.Errorf("%w: %w", ErrRollbackFailed, err))
	}
	if err := r.compose.Up(ctx, r.project, compose.UpOptions{}); err != nil {
		return r.fail(fmt.Errorf("%w: %w", ErrRollbackFailed, err))
	}

	r.state.Rollout = models.StateRolledBack
	r.state.Warn(fmt.Sprintf("health check did not pass after %d attempts (%s); stack was restarted",
		r.state.HealthAttempts, r.state.Outcome))
	return nil
}
