package models

import "time"

// DeployMode is the path chosen by the deployment controller.
type DeployMode string

// Deploy modes.
const (
	ModeFreshInstall  DeployMode = "fresh_install"
	ModeRollingUpdate DeployMode = "rolling_update"
)

// HealthOutcome is the terminal classification of the health-poll loop.
type HealthOutcome string

// Health outcomes. Unhealthy and TimedOut both lead to a rollback.
const (
	OutcomeNone      HealthOutcome = ""
	OutcomeHealthy   HealthOutcome = "healthy"
	OutcomeUnhealthy HealthOutcome = "unhealthy"
	OutcomeTimedOut  HealthOutcome = "timed_out"
)

// RolloutState is a state of the rolling update state machine.
type RolloutState string

// Rollout states.
const (
	StateIdle       RolloutState = "idle"
	StateScaling    RolloutState = "scaling"
	StatePolling    RolloutState = "polling"
	StatePromoted   RolloutState = "promoted"
	StateRolledBack RolloutState = "rolled_back"
	StateFailed     RolloutState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s RolloutState) Terminal() bool {
	return s == StatePromoted || s == StateRolledBack || s == StateFailed
}

// DeploymentState is held for the duration of one deploy invocation.
type DeploymentState struct {
	RunID          string
	Mode           DeployMode
	Rollout        RolloutState
	HealthAttempts int
	Outcome        HealthOutcome
	ConfigBackup   string // side directory with the pre-deploy config snapshot
	Warnings       []string
	StartTime      time.Time
	Duration       time.Duration
}

// Warn records a non-fatal problem.
func (s *DeploymentState) Warn(msg string) {
	s.Warnings = append(s.Warnings, msg)
}

// ProbeResult holds the result of a post-deploy endpoint probe.
type ProbeResult struct {
	Name     string
	Target   string
	Healthy  bool
	Message  string
	Duration time.Duration
	Error    error
}
