//go:build integration

package integration

import (
	"os"
	"testing"

	"github.com/fgeck/temporal-ops/internal/services/docker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func newDocker(t *testing.T) *docker.Impl {
	t.Helper()

	if os.Getenv("TEST_DOCKER") == "" {
		t.Skip("TEST_DOCKER not set")
	}
	svc, err := docker.New(testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}
