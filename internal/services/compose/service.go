// Package compose drives the docker compose CLI for the Temporal stack.
package compose

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Service defines the interface for compose lifecycle operations.
type Service interface {
	Available(ctx context.Context) (string, error)
	Pull(ctx context.Context, project models.ProjectSettings) error
	Up(ctx context.Context, project models.ProjectSettings, opts UpOptions) error
	Down(ctx context.Context, project models.ProjectSettings) error
	RunningServices(ctx context.Context, project models.ProjectSettings) ([]string, error)
	Status(ctx context.Context, project models.ProjectSettings, service string) (string, error)
	Exec(ctx context.Context, project models.ProjectSettings, service string, command []string) ([]byte, error)
	DeclaredVolumes(project models.ProjectSettings) ([]string, error)
}

// UpOptions maps to docker compose up flags.
type UpOptions struct {
	Services      []string
	Scale         map[string]int
	NoDeps        bool
	NoRecreate    bool
	RemoveOrphans bool
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
	ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// ExecuteWithEnv runs a command with additional environment variables.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
	readFile func(name string) ([]byte, error)
}

// New creates a new compose service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
		readFile: os.ReadFile,
	}
}

// NewWithExecutor creates a new compose service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
		readFile: os.ReadFile,
	}
}

func (s *Impl) buildEnv(project models.ProjectSettings) []string {
	env := []string{}
	if project.Name != "" {
		env = append(env, fmt.Sprintf("COMPOSE_PROJECT_NAME=%s", project.Name))
	}
	return env
}

func (s *Impl) run(ctx context.Context, project models.ProjectSettings, args ...string) ([]byte, error) {
	base := []string{"compose", "-f", project.ComposeFile}
	if project.Dir != "" {
		base = append(base, "--project-directory", project.Dir)
	}
	full := append(base, args...)

	s.logger.Debug().Strs("args", full).Msg("running docker compose")
	return s.executor.ExecuteWithEnv(ctx, s.buildEnv(project), "docker", full...)
}

// Available reports the compose plugin version, failing when the docker
// CLI or its compose plugin is missing.
func (s *Impl) Available(ctx context.Context) (string, error) {
	output, err := s.executor.Execute(ctx, "docker", "compose", "version", "--short")
	if err != nil {
		return "", fmt.Errorf("docker compose is not available: %w, output: %s", err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// Pull pulls the latest images for all declared services.
func (s *Impl) Pull(ctx context.Context, project models.ProjectSettings) error {
	s.logger.Info().Str("compose_file", project.ComposeFile).Msg("pulling images")

	output, err := s.run(ctx, project, "pull")
	if err != nil {
		return fmt.Errorf("failed to pull images: %w, output: %s", err, string(output))
	}

	s.logger.Info().Msg("images pulled")
	return nil
}

// Up brings services up detached.
func (s *Impl) Up(ctx context.Context, project models.ProjectSettings, opts UpOptions) error {
	args := []string{"up", "-d"}

	if opts.NoDeps {
		args = append(args, "--no-deps")
	}
	if opts.NoRecreate {
		args = append(args, "--no-recreate")
	}
	if opts.RemoveOrphans {
		args = append(args, "--remove-orphans")
	}

	// Sorted for deterministic command lines.
	scaled := make([]string, 0, len(opts.Scale))
	for svc := range opts.Scale {
		scaled = append(scaled, svc)
	}
	sort.Strings(scaled)
	for _, svc := range scaled {
		args = append(args, "--scale", fmt.Sprintf("%s=%d", svc, opts.Scale[svc]))
	}

	args = append(args, opts.Services...)

	s.logger.Info().
		Strs("services", opts.Services).
		Interface("scale", opts.Scale).
		Msg("bringing services up")

	output, err := s.run(ctx, project, args...)
	if err != nil {
		return fmt.Errorf("failed to bring services up: %w, output: %s", err, string(output))
	}
	return nil
}

// Down stops and removes the whole stack.
func (s *Impl) Down(ctx context.Context, project models.ProjectSettings) error {
	s.logger.Info().Msg("bringing stack down")

	output, err := s.run(ctx, project, "down")
	if err != nil {
		return fmt.Errorf("failed to bring stack down: %w, output: %s", err, string(output))
	}
	return nil
}

// RunningServices lists services with at least one running container.
func (s *Impl) RunningServices(ctx context.Context, project models.ProjectSettings) ([]string, error) {
	output, err := s.run(ctx, project, "ps", "--status", "running", "--services")
	if err != nil {
		return nil, fmt.Errorf("failed to list running services: %w, output: %s", err, string(output))
	}

	var services []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			services = append(services, line)
		}
	}

	s.logger.Debug().Strs("services", services).Msg("running services listed")
	return services, nil
}

// Status returns the human readable ps output for one service.
func (s *Impl) Status(ctx context.Context, project models.ProjectSettings, service string) (string, error) {
	output, err := s.run(ctx, project, "ps", service)
	if err != nil {
		return "", fmt.Errorf("failed to get status of %s: %w, output: %s", service, err, string(output))
	}
	return string(output), nil
}

// Exec runs a command inside a running service container without a TTY.
func (s *Impl) Exec(ctx context.Context, project models.ProjectSettings, service string, command []string) ([]byte, error) {
	args := append([]string{"exec", "-T", service}, command...)

	output, err := s.run(ctx, project, args...)
	if err != nil {
		return output, fmt.Errorf("exec in %s failed: %w", service, err)
	}
	return output, nil
}

// composeFile is the subset of a compose file needed to resolve volumes.
type composeFile struct {
	Name    string                    `yaml:"name"`
	Volumes map[string]*composeVolume `yaml:"volumes"`
}

type composeVolume struct {
	Name     string `yaml:"name"`
	External any    `yaml:"external"`
}

func (v *composeVolume) external() bool {
	if v == nil {
		return false
	}
	switch ext := v.External.(type) {
	case bool:
		return ext
	case map[string]any:
		return true
	default:
		return false
	}
}

// DeclaredVolumes resolves the top-level named volumes of the compose file
// to the names docker knows them by.
func (s *Impl) DeclaredVolumes(project models.ProjectSettings) ([]string, error) {
	data, err := s.readFile(project.ComposeFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read compose file: %w", err)
	}

	var cf composeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse compose file: %w", err)
	}

	prefix := project.Name
	if cf.Name != "" {
		prefix = cf.Name
	}

	volumes := make([]string, 0, len(cf.Volumes))
	for key, vol := range cf.Volumes {
		switch {
		case vol != nil && vol.Name != "":
			volumes = append(volumes, vol.Name)
		case vol.external():
			volumes = append(volumes, key)
		default:
			volumes = append(volumes, prefix+"_"+key)
		}
	}
	sort.Strings(volumes)

	return volumes, nil
}
