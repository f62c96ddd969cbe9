// Package probe performs the post-deploy endpoint checks against the
// Temporal frontend and web UI.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultTimeout = 5 * time.Second

// Service defines the interface for endpoint probes.
type Service interface {
	GRPC(ctx context.Context, addr string) (*models.ProbeResult, error)
	HTTP(ctx context.Context, url string) (*models.ProbeResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the probe Service interface.
type Impl struct {
	httpClient HTTPClient
	timeout    time.Duration
	logger     zerolog.Logger
}

// New creates a new probe service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			// A redirect to a login page still means the UI is serving.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: defaultTimeout,
		logger:  logger,
	}
}

// NewWithClient creates a new probe service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient) *Impl {
	return &Impl{
		httpClient: httpClient,
		timeout:    defaultTimeout,
		logger:     logger,
	}
}

// GRPC calls the standard gRPC health service on addr.
func (s *Impl) GRPC(ctx context.Context, addr string) (*models.ProbeResult, error) {
	result := &models.ProbeResult{Name: "grpc", Target: addr}
	start := time.Now()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		result.Error = fmt.Errorf("failed to create gRPC client: %w", err)
		return result, nil
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Errorf("health check failed: %w", err)
		s.logger.Warn().Err(err).Str("addr", addr).Msg("gRPC probe failed")
		return result, nil
	}

	result.Message = resp.GetStatus().String()
	result.Healthy = resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if !result.Healthy {
		result.Error = fmt.Errorf("frontend reports %s", result.Message)
	}

	s.logger.Info().
		Str("addr", addr).
		Str("status", result.Message).
		Dur("duration", result.Duration).
		Msg("gRPC probe finished")

	return result, nil
}

// HTTP issues a GET against url; any status below 400 counts as healthy.
func (s *Impl) HTTP(ctx context.Context, url string) (*models.ProbeResult, error) {
	result := &models.ProbeResult{Name: "http", Target: url}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}

	resp, err := s.httpClient.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Errorf("request failed: %w", err)
		s.logger.Warn().Err(err).Str("url", url).Msg("HTTP probe failed")
		return result, nil
	}
	_ = resp.Body.Close()

	result.Message = resp.Status
	result.Healthy = resp.StatusCode < http.StatusBadRequest
	if !result.Healthy {
		result.Error = fmt.Errorf("unexpected status %s", resp.Status)
	}

	s.logger.Info().
		Str("url", url).
		Int("status", resp.StatusCode).
		Dur("duration", result.Duration).
		Msg("HTTP probe finished")

	return result, nil
}
