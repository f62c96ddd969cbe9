package compose

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockExecutor is a mock implementation of CommandExecutor for testing.
type mockExecutor struct {
	executeFunc        func(ctx context.Context, name string, args ...string) ([]byte, error)
	executeWithEnvFunc func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

func (m *mockExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	if m.executeFunc != nil {
		return m.executeFunc(ctx, name, args...)
	}
	return nil, nil
}

func (m *mockExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	if m.executeWithEnvFunc != nil {
		return m.executeWithEnvFunc(ctx, env, name, args...)
	}
	return nil, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testProject() models.ProjectSettings {
	return models.ProjectSettings{
		Dir:            "/opt/temporal",
		ComposeFile:    "/opt/temporal/docker-compose.yml",
		Name:           "temporal",
		PrimaryService: "temporal",
	}
}

func TestAvailable(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			assert.Equal(t, "docker", name)
			assert.Equal(t, []string{"compose", "version", "--short"}, args)
			return []byte("2.29.1\n"), nil
		},
	}

	version, err := NewWithExecutor(testLogger(), executor).Available(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "2.29.1", version)
}

func TestAvailable_Missing(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("docker: 'compose' is not a docker command."), errors.New("exit status 1")
		},
	}

	_, err := NewWithExecutor(testLogger(), executor).Available(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "docker compose is not available")
}

func TestPull(t *testing.T) {
	var capturedEnv, capturedArgs []string
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			capturedEnv = env
			capturedArgs = args
			return nil, nil
		},
	}

	err := NewWithExecutor(testLogger(), executor).Pull(context.Background(), testProject())

	require.NoError(t, err)
	assert.Equal(t, []string{"COMPOSE_PROJECT_NAME=temporal"}, capturedEnv)
	assert.Equal(t, []string{
		"compose", "-f", "/opt/temporal/docker-compose.yml",
		"--project-directory", "/opt/temporal",
		"pull",
	}, capturedArgs)
}

func TestPull_Error(t *testing.T) {
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			return []byte("manifest unknown"), errors.New("exit status 1")
		},
	}

	err := NewWithExecutor(testLogger(), executor).Pull(context.Background(), testProject())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to pull images")
	assert.Contains(t, err.Error(), "manifest unknown")
}

func TestUp_ScaleArgs(t *testing.T) {
	var capturedArgs []string
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			capturedArgs = args
			return nil, nil
		},
	}

	err := NewWithExecutor(testLogger(), executor).Up(context.Background(), testProject(), UpOptions{
		Services:   []string{"temporal"},
		Scale:      map[string]int{"temporal": 2},
		NoDeps:     true,
		NoRecreate: true,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"up", "-d", "--no-deps", "--no-recreate", "--scale", "temporal=2", "temporal"}, capturedArgs[5:])
}

func TestUp_RemoveOrphans(t *testing.T) {
	var capturedArgs []string
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			capturedArgs = args
			return nil, nil
		},
	}

	err := NewWithExecutor(testLogger(), executor).Up(context.Background(), testProject(), UpOptions{
		Services:      []string{"temporal"},
		Scale:         map[string]int{"temporal": 1},
		NoDeps:        true,
		RemoveOrphans: true,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"up", "-d", "--no-deps", "--remove-orphans", "--scale", "temporal=1", "temporal"}, capturedArgs[5:])
}

func TestDown(t *testing.T) {
	var capturedArgs []string
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			capturedArgs = args
			return nil, nil
		},
	}

	err := NewWithExecutor(testLogger(), executor).Down(context.Background(), testProject())

	require.NoError(t, err)
	assert.Equal(t, "down", capturedArgs[len(capturedArgs)-1])
}

func TestRunningServices(t *testing.T) {
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			assert.Contains(t, args, "--status")
			assert.Contains(t, args, "running")
			return []byte("postgresql\ntemporal\n\ntemporal-ui\n"), nil
		},
	}

	services, err := NewWithExecutor(testLogger(), executor).RunningServices(context.Background(), testProject())

	require.NoError(t, err)
	assert.Equal(t, []string{"postgresql", "temporal", "temporal-ui"}, services)
}

func TestRunningServices_None(t *testing.T) {
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			return []byte(""), nil
		},
	}

	services, err := NewWithExecutor(testLogger(), executor).RunningServices(context.Background(), testProject())

	require.NoError(t, err)
	assert.Empty(t, services)
}

func TestExec(t *testing.T) {
	var capturedArgs []string
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			capturedArgs = args
			return []byte("SERVING"), nil
		},
	}

	out, err := NewWithExecutor(testLogger(), executor).Exec(context.Background(), testProject(), "temporal",
		[]string{"temporal", "operator", "cluster", "health"})

	require.NoError(t, err)
	assert.Equal(t, "SERVING", string(out))
	assert.Equal(t, []string{"exec", "-T", "temporal", "temporal", "operator", "cluster", "health"}, capturedArgs[5:])
}

func TestExec_Error(t *testing.T) {
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			return []byte("NOT_SERVING"), errors.New("exit status 1")
		},
	}

	out, err := NewWithExecutor(testLogger(), executor).Exec(context.Background(), testProject(), "temporal", []string{"true"})

	require.Error(t, err)
	assert.Equal(t, "NOT_SERVING", string(out))
}

func TestDeclaredVolumes(t *testing.T) {
	dir := t.TempDir()
	composePath := filepath.Join(dir, "docker-compose.yml")
	content := `
services:
  temporal:
    image: temporalio/auto-setup:1.25
volumes:
  postgres-data:
  es-data:
    driver: local
  shared:
    external: true
  renamed:
    name: custom-volume
`
	require.NoError(t, os.WriteFile(composePath, []byte(content), 0o600))

	project := testProject()
	project.ComposeFile = composePath

	volumes, err := New(testLogger()).DeclaredVolumes(project)

	require.NoError(t, err)
	assert.Equal(t, []string{"custom-volume", "shared", "temporal_es-data", "temporal_postgres-data"}, volumes)
}

func TestDeclaredVolumes_ProjectNameFromFile(t *testing.T) {
	dir := t.TempDir()
	composePath := filepath.Join(dir, "docker-compose.yml")
	require.NoError(t, os.WriteFile(composePath, []byte("name: prod\nvolumes:\n  data: {}\n"), 0o600))

	project := testProject()
	project.ComposeFile = composePath

	volumes, err := New(testLogger()).DeclaredVolumes(project)

	require.NoError(t, err)
	assert.Equal(t, []string{"prod_data"}, volumes)
}

func TestDeclaredVolumes_MissingFile(t *testing.T) {
	project := testProject()
	project.ComposeFile = filepath.Join(t.TempDir(), "missing.yml")

	_, err := New(testLogger()).DeclaredVolumes(project)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read compose file")
}
