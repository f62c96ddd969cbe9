// Package elasticsearch captures the Temporal visibility index, preferring a
// native filesystem snapshot and falling back to an elasticdump export.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/rs/zerolog"
)

// Files written into the backup working directory.
const (
	SnapshotArchive = "elasticsearch-snapshot.tar.gz"
	DumpFile        = "elasticsearch-dump.json"
)

// Service defines the interface for search index capture.
type Service interface {
	Capture(ctx context.Context, req CaptureRequest) (*models.SnapshotResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ContainerRunner runs a container to completion.
type ContainerRunner interface {
	RunEphemeral(ctx context.Context, spec models.EphemeralContainer) (*models.EphemeralResult, error)
}

// CaptureRequest describes one index capture.
type CaptureRequest struct {
	Config       models.ElasticsearchConfig
	SnapshotName string
	WorkDir      string
	HelperImage  string
	Network      string
}

// Impl implements the elasticsearch Service interface.
type Impl struct {
	httpClient HTTPClient
	runner     ContainerRunner
	logger     zerolog.Logger
}

// New creates a new elasticsearch service.
func New(logger zerolog.Logger, runner ContainerRunner) *Impl {
	return &Impl{
		httpClient: &http.Client{Timeout: 30 * time.Minute},
		runner:     runner,
		logger:     logger,
	}
}

// NewWithClient creates a new elasticsearch service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, runner ContainerRunner) *Impl {
	return &Impl{
		httpClient: httpClient,
		runner:     runner,
		logger:     logger,
	}
}

// Capture tries the snapshot path first, then the dump fallback. When both
// fail the outcome is SnapshotSkipped and Error holds the fallback error.
func (s *Impl) Capture(ctx context.Context, req CaptureRequest) (*models.SnapshotResult, error) {
	start := time.Now()
	result := &models.SnapshotResult{}

	snapErr := s.snapshot(ctx, req)
	if snapErr == nil {
		result.Outcome = models.SnapshotNative
		result.Files = []string{SnapshotArchive}
		result.Duration = time.Since(start)
		s.logger.Info().Dur("duration", result.Duration).Msg("search index snapshot archived")
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.logger.Warn().Err(snapErr).Msg("snapshot failed, falling back to elasticdump")

	dumpErr := s.dump(ctx, req)
	result.Duration = time.Since(start)
	if dumpErr == nil {
		result.Outcome = models.SnapshotFallback
		result.Files = []string{DumpFile}
		result.Error = snapErr
		s.logger.Info().Dur("duration", result.Duration).Msg("search index exported with elasticdump")
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result.Outcome = models.SnapshotSkipped
	result.Error = fmt.Errorf("snapshot: %v; dump: %w", snapErr, dumpErr)
	s.logger.Warn().Err(dumpErr).Msg("elasticdump failed, search index not captured")

	return result, nil
}

func (s *Impl) snapshot(ctx context.Context, req CaptureRequest) error {
	cfg := req.Config

	if err := s.RegisterRepository(ctx, cfg); err != nil {
		return err
	}
	if err := s.Snapshot(ctx, cfg, req.SnapshotName); err != nil {
		return err
	}

	// The snapshot repository is bind-mounted from the host but owned by the
	// Elasticsearch user, so it is archived from a helper container.
	run, err := s.runner.RunEphemeral(ctx, models.EphemeralContainer{
		Name:    "es-snapshot-archive",
		Image:   req.HelperImage,
		Command: []string{"tar", "czf", "/backup/" + SnapshotArchive, "-C", "/snapshot", "."},
		Mounts: []models.VolumeMount{
			{Source: cfg.HostRepoDir, Target: "/snapshot", ReadOnly: true, Bind: true},
			{Source: req.WorkDir, Target: "/backup", Bind: true},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to archive snapshot repository: %w", err)
	}
	if run.Error != nil {
		_ = os.Remove(filepath.Join(req.WorkDir, SnapshotArchive))
		return fmt.Errorf("failed to archive snapshot repository: %w", run.Error)
	}

	return requireFile(filepath.Join(req.WorkDir, SnapshotArchive))
}

func (s *Impl) dump(ctx context.Context, req CaptureRequest) error {
	cfg := req.Config
	source := strings.TrimSuffix(cfg.InternalURL, "/") + "/" + cfg.Index

	run, err := s.runner.RunEphemeral(ctx, models.EphemeralContainer{
		Name:  "es-dump",
		Image: cfg.DumpImage,
		Command: []string{
			"--input=" + source,
			"--output=/backup/" + DumpFile,
			"--type=data",
		},
		Mounts: []models.VolumeMount{
			{Source: req.WorkDir, Target: "/backup", Bind: true},
		},
		Network: req.Network,
	})
	if err != nil {
		return fmt.Errorf("failed to run elasticdump: %w", err)
	}
	if run.Error != nil {
		_ = os.Remove(filepath.Join(req.WorkDir, DumpFile))
		return fmt.Errorf("elasticdump failed: %w", run.Error)
	}

	return requireFile(filepath.Join(req.WorkDir, DumpFile))
}

type repositoryRequest struct {
	Type     string             `json:"type"`
	Settings repositorySettings `json:"settings"`
}

type repositorySettings struct {
	Location string `json:"location"`
}

type snapshotRequest struct {
	Indices            string `json:"indices"`
	IgnoreUnavailable  bool   `json:"ignore_unavailable"`
	IncludeGlobalState bool   `json:"include_global_state"`
}

type snapshotResponse struct {
	Snapshot struct {
		State    string   `json:"state"`
		Indices  []string `json:"indices"`
		Failures []any    `json:"failures"`
	} `json:"snapshot"`
}

// RegisterRepository creates or updates the filesystem snapshot repository.
func (s *Impl) RegisterRepository(ctx context.Context, cfg models.ElasticsearchConfig) error {
	body := repositoryRequest{
		Type:     "fs",
		Settings: repositorySettings{Location: cfg.RepoPath},
	}

	if _, err := s.put(ctx, cfg.URL+"/_snapshot/"+cfg.Repository, body); err != nil {
		return fmt.Errorf("failed to register snapshot repository: %w", err)
	}

	s.logger.Debug().Str("repository", cfg.Repository).Msg("snapshot repository registered")
	return nil
}

// Snapshot takes a snapshot of the visibility index and waits for it.
func (s *Impl) Snapshot(ctx context.Context, cfg models.ElasticsearchConfig, name string) error {
	body := snapshotRequest{
		Indices:            cfg.Index,
		IgnoreUnavailable:  false,
		IncludeGlobalState: false,
	}

	url := fmt.Sprintf("%s/_snapshot/%s/%s?wait_for_completion=true", cfg.URL, cfg.Repository, name)
	data, err := s.put(ctx, url, body)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}

	var resp snapshotResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("failed to parse snapshot response: %w", err)
	}
	if resp.Snapshot.State != "SUCCESS" {
		return fmt.Errorf("snapshot finished in state %q", resp.Snapshot.State)
	}
	if !capturedIndex(resp.Snapshot.Indices, cfg.Index) {
		return fmt.Errorf("snapshot does not contain index %s", cfg.Index)
	}

	s.logger.Info().Str("snapshot", name).Msg("search index snapshot created")
	return nil
}

// capturedIndex reports whether a snapshot holding indices covers index.
// Patterns and lists only require a non-empty snapshot.
func capturedIndex(indices []string, index string) bool {
	if strings.ContainsAny(index, "*,") {
		return len(indices) > 0
	}
	return slices.Contains(indices, index)
}

func (s *Impl) put(ctx context.Context, url string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("elasticsearch returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	return data, nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("expected output missing: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("expected output is empty: " + filepath.Base(path))
	}
	return nil
}
