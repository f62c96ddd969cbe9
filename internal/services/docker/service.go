// Package docker runs ephemeral helper containers and inspects the
// Temporal stack through the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/fgeck/temporal-ops/internal/models"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
)

// Compose labels set on every container of a compose project.
const (
	LabelComposeProject = "com.docker.compose.project"
	LabelComposeService = "com.docker.compose.service"
)

const defaultEphemeralTimeout = 30 * time.Minute

// Service defines the interface for container runtime operations.
type Service interface {
	RunEphemeral(ctx context.Context, spec models.EphemeralContainer) (*models.EphemeralResult, error)
	ServiceImage(ctx context.Context, project models.ProjectSettings, service string) (*models.ImageIdentity, error)
	PruneDanglingImages(ctx context.Context) (*models.PruneResult, error)
}

// APIClient is the subset of the Docker Engine client used here.
type APIClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImagesPrune(ctx context.Context, pruneFilter filters.Args) (image.PruneReport, error)
	Close() error
}

// Impl implements the docker Service interface.
type Impl struct {
	api    APIClient
	logger zerolog.Logger
}

// New creates a docker service connected through the environment
// (DOCKER_HOST and friends) with API version negotiation.
func New(logger zerolog.Logger) (*Impl, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Impl{api: cli, logger: logger}, nil
}

// NewWithClient creates a docker service with a custom API client (for testing).
func NewWithClient(logger zerolog.Logger, api APIClient) *Impl {
	return &Impl{api: api, logger: logger}
}

// Close releases the underlying client.
func (s *Impl) Close() error {
	return s.api.Close()
}

// RunEphemeral creates a container, runs it to completion, collects its
// output and removes it. A non-zero exit code is reported in the result's
// Error field.
func (s *Impl) RunEphemeral(ctx context.Context, spec models.EphemeralContainer) (*models.EphemeralResult, error) {
	start := time.Now()
	result := &models.EphemeralResult{ExitCode: -1}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultEphemeralTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Debug().
		Str("name", spec.Name).
		Str("image", spec.Image).
		Strs("cmd", spec.Command).
		Msg("starting ephemeral container")

	id, err := s.create(ctx, spec)
	if err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result, nil
	}
	defer func() {
		// The run context may already be done; removal must still happen.
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer rmCancel()
		if err := s.api.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			s.logger.Warn().Err(err).Str("id", id).Msg("failed to remove ephemeral container")
		}
	}()

	if err := s.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		result.Error = fmt.Errorf("failed to start container: %w", err)
		result.Duration = time.Since(start)
		return result, nil
	}

	statusCh, errCh := s.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		result.Error = fmt.Errorf("failed waiting for container: %w", err)
		result.Duration = time.Since(start)
		return result, nil
	case status := <-statusCh:
		result.ExitCode = status.StatusCode
		if status.Error != nil && status.Error.Message != "" {
			result.Error = fmt.Errorf("container wait error: %s", status.Error.Message)
		}
	}

	var stdout, stderr bytes.Buffer
	if logs, err := s.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true}); err == nil {
		_, _ = stdcopy.StdCopy(&stdout, &stderr, logs)
		_ = logs.Close()
	} else {
		s.logger.Debug().Err(err).Str("id", id).Msg("failed to read container logs")
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Duration = time.Since(start)

	if result.Error == nil && result.ExitCode != 0 {
		result.Error = fmt.Errorf("%s exited with code %d: %s", spec.Image, result.ExitCode, lastLine(result.Stderr))
	}

	s.logger.Debug().
		Str("name", spec.Name).
		Int64("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("ephemeral container finished")

	return result, nil
}

func (s *Impl) create(ctx context.Context, spec models.EphemeralContainer) (string, error) {
	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
		Env:   spec.Env,
		Labels: map[string]string{
			"temporal-ops.ephemeral": "true",
		},
	}

	hostCfg := &container.HostConfig{}
	for _, m := range spec.Mounts {
		mt := mount.TypeVolume
		if m.Bind {
			mt = mount.TypeBind
		}
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mt,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := s.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err == nil {
		return resp.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	// Image not present locally.
	if err := s.pull(ctx, spec.Image); err != nil {
		return "", err
	}
	resp, err = s.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

func (s *Impl) pull(ctx context.Context, ref string) error {
	s.logger.Info().Str("image", ref).Msg("pulling image")

	rc, err := s.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer func() { _ = rc.Close() }()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// ServiceImage returns the image of the first running container of a
// compose service.
func (s *Impl) ServiceImage(ctx context.Context, project models.ProjectSettings, service string) (*models.ImageIdentity, error) {
	args := filters.NewArgs(
		filters.Arg("label", fmt.Sprintf("%s=%s", LabelComposeService, service)),
		filters.Arg("status", "running"),
	)
	if project.Name != "" {
		args.Add("label", fmt.Sprintf("%s=%s", LabelComposeProject, project.Name))
	}

	containers, err := s.api.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("no running container for service %s", service)
	}

	return &models.ImageIdentity{
		Name: containers[0].Image,
		ID:   containers[0].ImageID,
	}, nil
}

// PruneDanglingImages removes untagged images left behind by pulls.
func (s *Impl) PruneDanglingImages(ctx context.Context) (*models.PruneResult, error) {
	report, err := s.api.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return &models.PruneResult{Error: fmt.Errorf("failed to prune images: %w", err)}, nil
	}

	result := &models.PruneResult{
		ImagesDeleted:  len(report.ImagesDeleted),
		SpaceReclaimed: report.SpaceReclaimed,
	}

	s.logger.Info().
		Int("images_deleted", result.ImagesDeleted).
		Uint64("space_reclaimed", result.SpaceReclaimed).
		Msg("dangling images pruned")

	return result, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
