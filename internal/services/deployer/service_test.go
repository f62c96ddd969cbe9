package deployer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/temporal-ops/internal/clock"
	"github.com/fgeck/temporal-ops/internal/lock"
	"github.com/fgeck/temporal-ops/internal/metrics"
	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/fgeck/temporal-ops/internal/services/compose"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type composeCall struct {
	Op   string
	Opts compose.UpOptions
}

type mockComposeService struct {
	pullFunc    func() error
	upFunc      func(opts compose.UpOptions) error
	downFunc    func() error
	runningFunc func() ([]string, error)
	statusFunc  func(service string) (string, error)
	execFunc    func(command []string) ([]byte, error)

	calls []composeCall
}

func (m *mockComposeService) Available(context.Context) (string, error) { return "2.29.1", nil }

func (m *mockComposeService) Pull(context.Context, models.ProjectSettings) error {
	m.calls = append(m.calls, composeCall{Op: "pull"})
	if m.pullFunc != nil {
		return m.pullFunc()
	}
	return nil
}

func (m *mockComposeService) Up(_ context.Context, _ models.ProjectSettings, opts compose.UpOptions) error {
	m.calls = append(m.calls, composeCall{Op: "up", Opts: opts})
	if m.upFunc != nil {
		return m.upFunc(opts)
	}
	return nil
}

func (m *mockComposeService) Down(context.Context, models.ProjectSettings) error {
	m.calls = append(m.calls, composeCall{Op: "down"})
	if m.downFunc != nil {
		return m.downFunc()
	}
	return nil
}

func (m *mockComposeService) RunningServices(context.Context, models.ProjectSettings) ([]string, error) {
	m.calls = append(m.calls, composeCall{Op: "ps"})
	if m.runningFunc != nil {
		return m.runningFunc()
	}
	return nil, nil
}

func (m *mockComposeService) Status(_ context.Context, _ models.ProjectSettings, service string) (string, error) {
	m.calls = append(m.calls, composeCall{Op: "status"})
	if m.statusFunc != nil {
		return m.statusFunc(service)
	}
	return "", nil
}

func (m *mockComposeService) Exec(_ context.Context, _ models.ProjectSettings, _ string, command []string) ([]byte, error) {
	m.calls = append(m.calls, composeCall{Op: "exec"})
	if m.execFunc != nil {
		return m.execFunc(command)
	}
	return nil, nil
}

func (m *mockComposeService) DeclaredVolumes(models.ProjectSettings) ([]string, error) { return nil, nil }

func (m *mockComposeService) ops() []string {
	out := make([]string, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.Op)
	}
	return out
}

func (m *mockComposeService) ups() []compose.UpOptions {
	var out []compose.UpOptions
	for _, c := range m.calls {
		if c.Op == "up" {
			out = append(out, c.Opts)
		}
	}
	return out
}

func (m *mockComposeService) count(op string) int {
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

type mockPruner struct {
	called bool
	err    error
}

func (m *mockPruner) PruneDanglingImages(context.Context) (*models.PruneResult, error) {
	m.called = true
	if m.err != nil {
		return nil, m.err
	}
	return &models.PruneResult{}, nil
}

type mockDatabaseService struct {
	probeFunc func(cfg models.DatabaseConfig) (*models.DatabaseProbeResult, error)
	called    bool
}

func (m *mockDatabaseService) Probe(_ context.Context, cfg models.DatabaseConfig) (*models.DatabaseProbeResult, error) {
	m.called = true
	if m.probeFunc != nil {
		return m.probeFunc(cfg)
	}
	return &models.DatabaseProbeResult{Reachable: true, Output: "1"}, nil
}

type mockProbeService struct {
	grpcFunc func(addr string) (*models.ProbeResult, error)
	httpFunc func(url string) (*models.ProbeResult, error)
}

func (m *mockProbeService) GRPC(_ context.Context, addr string) (*models.ProbeResult, error) {
	if m.grpcFunc != nil {
		return m.grpcFunc(addr)
	}
	return &models.ProbeResult{Name: "grpc", Target: addr, Healthy: true}, nil
}

func (m *mockProbeService) HTTP(_ context.Context, url string) (*models.ProbeResult, error) {
	if m.httpFunc != nil {
		return m.httpFunc(url)
	}
	return &models.ProbeResult{Name: "http", Target: url, Healthy: true}, nil
}

type mockTelegramService struct {
	sendFunc func(msg models.TelegramMessage) (*models.TelegramResult, error)
	sent     []models.TelegramMessage
}

func (m *mockTelegramService) SendNotification(_ context.Context, _ models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	m.sent = append(m.sent, msg)
	if m.sendFunc != nil {
		return m.sendFunc(msg)
	}
	return &models.TelegramResult{MessageSent: true}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

var start = time.Date(2026, 10, 15, 3, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) models.Config {
	dir := t.TempDir()
	return models.Config{
		Domain:        "temporal.example.com",
		EncryptionKey: "k",
		Database: models.DatabaseConfig{
			Host:     "db.internal",
			Port:     5432,
			Username: "temporal",
			Password: "secret",
			Image:    "postgres:16-alpine",
		},
		Project: models.ProjectSettings{
			Dir:            dir,
			ComposeFile:    filepath.Join(dir, "docker-compose.yml"),
			Name:           "temporal",
			PrimaryService: "temporal",
		},
		Health: models.HealthSettings{
			Command:     []string{"temporal", "operator", "cluster", "health"},
			MaxAttempts: 30,
			Interval:    2 * time.Second,
			Settle:      30 * time.Second,
			GRPCAddr:    "localhost:7233",
			UIURL:       "http://localhost:8080",
		},
	}
}

type harness struct {
	compose  *mockComposeService
	pruner   *mockPruner
	database *mockDatabaseService
	probe    *mockProbeService
	telegram *mockTelegramService
	clock    *clock.FakeClock
}

func newHarness() *harness {
	return &harness{
		compose:  &mockComposeService{},
		pruner:   &mockPruner{},
		database: &mockDatabaseService{},
		probe:    &mockProbeService{},
		telegram: &mockTelegramService{},
		clock:    clock.Fake(start),
	}
}

func (h *harness) service() *Impl {
	return NewWithServices(testLogger(), h.compose, h.pruner, h.database, h.probe, h.telegram, h.clock)
}

func runningPrimary() ([]string, error) {
	return []string{"postgresql", "temporal", "temporal-ui"}, nil
}

func TestDeploy_MissingDatabaseConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.DatabaseConfig)
		want   string
	}{
		{"missing host", func(c *models.DatabaseConfig) { c.Host = "" }, "POSTGRES_HOST"},
		{"missing password", func(c *models.DatabaseConfig) { c.Password = "" }, "POSTGRES_PASSWORD"},
		{"missing user", func(c *models.DatabaseConfig) { c.Username = "" }, "POSTGRES_USER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			cfg := testConfig(t)
			tt.mutate(&cfg.Database)

			_, err := h.service().Deploy(context.Background(), cfg)

			require.ErrorIs(t, err, ErrMissingDatabaseConfig)
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, h.compose.calls)
			assert.False(t, h.database.called)
			assert.False(t, h.pruner.called)
		})
	}
}

func TestDeploy_DatabaseUnreachable(t *testing.T) {
	h := newHarness()
	h.database.probeFunc = func(cfg models.DatabaseConfig) (*models.DatabaseProbeResult, error) {
		return &models.DatabaseProbeResult{Error: errors.New("connection refused")}, nil
	}

	_, err := h.service().Deploy(context.Background(), testConfig(t))

	require.ErrorIs(t, err, ErrDatabaseUnreachable)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, h.compose.calls)
}

func TestDeploy_Locked(t *testing.T) {
	h := newHarness()
	cfg := testConfig(t)

	held, err := lock.Acquire(lock.PathFor(cfg.Project.Dir, cfg.Project.Name, "deploy"))
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	_, err = h.service().Deploy(context.Background(), cfg)

	require.ErrorIs(t, err, lock.ErrLocked)
	assert.Empty(t, h.compose.calls)
}

func TestDeploy_RollingUpdate_HealthyPromotes(t *testing.T) {
	h := newHarness()
	h.compose.runningFunc = runningPrimary
	execs := 0
	h.compose.execFunc = func(command []string) ([]byte, error) {
		execs++
		if execs < 4 {
			return []byte("NOT_SERVING"), errors.New("exit status 1")
		}
		return []byte("SERVING"), nil
	}

	state, err := h.service().Deploy(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.Equal(t, models.ModeRollingUpdate, state.Mode)
	assert.Equal(t, models.OutcomeHealthy, state.Outcome)
	assert.Equal(t, models.StatePromoted, state.Rollout)
	assert.Equal(t, 4, state.HealthAttempts)
	assert.Empty(t, state.Warnings)

	ups := h.compose.ups()
	require.Len(t, ups, 2)
	assert.Equal(t, map[string]int{"temporal": 2}, ups[0].Scale)
	assert.True(t, ups[0].NoRecreate)
	assert.True(t, ups[0].NoDeps)
	assert.Equal(t, map[string]int{"temporal": 1}, ups[1].Scale)
	assert.True(t, ups[1].RemoveOrphans)
	assert.Zero(t, h.compose.count("down"))

	// settle, then one interval after each of the three failed attempts
	assert.Equal(t, []time.Duration{30 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, h.clock.Waits())
	assert.True(t, h.pruner.called)
}

func TestDeploy_RollingUpdate_NeverHealthyRollsBack(t *testing.T) {
	h := newHarness()
	h.compose.runningFunc = runningPrimary
	h.compose.execFunc = func(command []string) ([]byte, error) {
		return []byte("NOT_SERVING"), errors.New("exit status 1")
	}

	state, err := h.service().Deploy(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.Equal(t, models.StateRolledBack, state.Rollout)
	assert.Equal(t, models.OutcomeTimedOut, state.Outcome)
	assert.Equal(t, 30, state.HealthAttempts)
	assert.Equal(t, 30, h.compose.count("exec"))
	require.NotEmpty(t, state.Warnings)
	assert.Contains(t, state.Warnings[0], "30 attempts")

	var polled time.Duration
	for _, w := range h.clock.Waits()[1:] {
		polled += w
	}
	assert.Equal(t, 60*time.Second, polled)

	ops := h.compose.ops()
	require.GreaterOrEqual(t, len(ops), 2)
	assert.Equal(t, []string{"down", "up"}, ops[len(ops)-2:])
	last := h.compose.ups()[len(h.compose.ups())-1]
	assert.Equal(t, compose.UpOptions{}, last)
}

func TestDeploy_RollingUpdate_NeverRunningIsUnhealthy(t *testing.T) {
	h := newHarness()
	checks := 0
	h.compose.runningFunc = func() ([]string, error) {
		checks++
		if checks == 1 {
			return runningPrimary()
		}
		return []string{"postgresql"}, nil
	}

	state, err := h.service().Deploy(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnhealthy, state.Outcome)
	assert.Equal(t, models.StateRolledBack, state.Rollout)
	assert.Zero(t, h.compose.count("exec"))
}

func TestDeploy_RollbackFailure(t *testing.T) {
	h := newHarness()
	h.compose.runningFunc = runningPrimary
	h.compose.execFunc = func(command []string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}
	h.compose.downFunc = func() error { return errors.New("network in use") }

	state, err := h.service().Deploy(context.Background(), testConfig(t))

	require.ErrorIs(t, err, ErrRollbackFailed)
	assert.Equal(t, models.StateFailed, state.Rollout)
}

func TestDeploy_ScaleFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.compose.runningFunc = runningPrimary
	h.compose.upFunc = func(opts compose.UpOptions) error {
		return errors.New("port is already allocated")
	}

	state, err := h.service().Deploy(context.Background(), testConfig(t))

	require.Error(t, err)
	assert.Equal(t, models.StateFailed, state.Rollout)
	assert.Zero(t, h.compose.count("down"))
}

func TestDeploy_FreshInstall(t *testing.T) {
	h := newHarness()
	h.compose.statusFunc = func(service string) (string, error) {
		return "temporal-temporal-1  temporalio/auto-setup  Up 29 seconds", nil
	}

	state, err := h.service().Deploy(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.Equal(t, models.ModeFreshInstall, state.Mode)
	assert.Equal(t, models.StateIdle, state.Rollout)
	assert.Zero(t, state.HealthAttempts)
	assert.Zero(t, h.compose.count("exec"))
	assert.Equal(t, []compose.UpOptions{{}}, h.compose.ups())
	assert.Equal(t, []time.Duration{30 * time.Second}, h.clock.Waits())
	assert.Empty(t, state.Warnings)
}

func TestDeploy_FreshInstall_RelaxedCheckWarns(t *testing.T) {
	h := newHarness()
	h.compose.statusFunc = func(service string) (string, error) {
		return "temporal-temporal-1  temporalio/auto-setup  Restarting (1) 2 seconds ago", nil
	}

	state, err := h.service().Deploy(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.Equal(t, models.ModeFreshInstall, state.Mode)
	require.Len(t, state.Warnings, 1)
	assert.Contains(t, state.Warnings[0], "not reported Up")
	assert.Equal(t, 1, h.compose.count("up"))
}

func TestDeploy_ProbeFailuresAreWarnings(t *testing.T) {
	h := newHarness()
	h.compose.statusFunc = func(string) (string, error) { return "Up", nil }
	h.probe.grpcFunc = func(addr string) (*models.ProbeResult, error) {
		return &models.ProbeResult{Name: "grpc", Target: addr, Error: errors.New("connection refused")}, nil
	}
	h.pruner.err = errors.New("prune failed")

	state, err := h.service().Deploy(context.Background(), testConfig(t))

	require.NoError(t, err)
	require.Len(t, state.Warnings, 1)
	assert.Contains(t, state.Warnings[0], "grpc probe of localhost:7233 failed")
}

func TestDeploy_ProbeErrorsAreWarnings(t *testing.T) {
	h := newHarness()
	h.compose.statusFunc = func(string) (string, error) { return "Up", nil }
	h.probe.grpcFunc = func(string) (*models.ProbeResult, error) {
		return nil, errors.New("invalid target")
	}
	h.probe.httpFunc = func(string) (*models.ProbeResult, error) {
		return nil, errors.New("unsupported protocol scheme")
	}

	state, err := h.service().Deploy(context.Background(), testConfig(t))

	require.NoError(t, err)
	require.Len(t, state.Warnings, 2)
	assert.Equal(t, "grpc probe of localhost:7233 failed: invalid target", state.Warnings[0])
	assert.Equal(t, "http probe of http://localhost:8080 failed: unsupported protocol scheme", state.Warnings[1])
}

func TestDeploy_PullFailure(t *testing.T) {
	h := newHarness()
	h.compose.pullFunc = func() error { return errors.New("manifest unknown") }

	_, err := h.service().Deploy(context.Background(), testConfig(t))

	require.Error(t, err)
	assert.Equal(t, []string{"pull"}, h.compose.ops())
}

func TestDeploy_SnapshotsConfiguration(t *testing.T) {
	h := newHarness()
	h.compose.statusFunc = func(string) (string, error) { return "Up", nil }
	cfg := testConfig(t)
	dir := cfg.Project.Dir
	require.NoError(t, os.WriteFile(cfg.Project.ComposeFile, []byte("services: {}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("A=1"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dynamicconfig"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dynamicconfig", "development.yaml"), []byte("x: 1"), 0o600))

	state, err := h.service().Deploy(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "backups", "config-20261015_030000"), state.ConfigBackup)
	assert.FileExists(t, filepath.Join(state.ConfigBackup, "docker-compose.yml"))
	assert.FileExists(t, filepath.Join(state.ConfigBackup, ".env"))
	assert.FileExists(t, filepath.Join(state.ConfigBackup, "dynamicconfig", "development.yaml"))
}

func TestDeploy_NoComposeFileSkipsSnapshot(t *testing.T) {
	h := newHarness()
	h.compose.statusFunc = func(string) (string, error) { return "Up", nil }

	state, err := h.service().Deploy(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.Empty(t, state.ConfigBackup)
}

func TestDeploy_TelegramNotification(t *testing.T) {
	h := newHarness()
	h.compose.runningFunc = runningPrimary
	h.compose.execFunc = func([]string) ([]byte, error) { return nil, errors.New("exit status 1") }
	cfg := testConfig(t)
	cfg.Telegram = &models.TelegramConfig{BotToken: "t", ChatID: "c"}

	_, err := h.service().Deploy(context.Background(), cfg)

	require.NoError(t, err)
	require.Len(t, h.telegram.sent, 1)
	msg := h.telegram.sent[0]
	assert.Equal(t, models.NotifyDeploy, msg.Kind)
	assert.True(t, msg.Success)
	assert.Equal(t, models.StateRolledBack, msg.Rollout)
	assert.NotEmpty(t, msg.Warnings)
	assert.Equal(t, 90*time.Second, msg.Duration)
}

func TestDeploy_TelegramOnFailure(t *testing.T) {
	h := newHarness()
	h.database.probeFunc = func(models.DatabaseConfig) (*models.DatabaseProbeResult, error) {
		return nil, errors.New("docker unavailable")
	}
	cfg := testConfig(t)
	cfg.Telegram = &models.TelegramConfig{BotToken: "t", ChatID: "c"}

	_, err := h.service().Deploy(context.Background(), cfg)

	require.Error(t, err)
	require.Len(t, h.telegram.sent, 1)
	assert.False(t, h.telegram.sent[0].Success)
	assert.Equal(t, "database", h.telegram.sent[0].FailedStep)
}

func TestDeploy_WritesMetrics(t *testing.T) {
	h := newHarness()
	h.compose.statusFunc = func(string) (string, error) { return "Up", nil }
	cfg := testConfig(t)
	cfg.MetricsTextfile = filepath.Join(t.TempDir(), "temporal_ops.prom")

	_, err := h.service().Deploy(context.Background(), cfg)

	require.NoError(t, err)
	data, err := os.ReadFile(metrics.TextfilePath(cfg.MetricsTextfile, metrics.KindDeploy))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `temporal_ops_deploy_success{mode="fresh_install",outcome=""} 1`))
	assert.NotContains(t, string(data), "temporal_ops_backup_")
}
