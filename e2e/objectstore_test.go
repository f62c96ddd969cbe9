//go:build e2e

package e2e

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/fgeck/temporal-ops/internal/services/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getRemoteStorageConfig(t *testing.T) models.RemoteStorageConfig {
	t.Helper()

	cfg := models.RemoteStorageConfig{
		AccessKey: os.Getenv("TEST_SPACES_KEY"),
		SecretKey: os.Getenv("TEST_SPACES_SECRET"),
		Bucket:    os.Getenv("TEST_SPACES_BUCKET"),
		Region:    os.Getenv("TEST_SPACES_REGION"),
		Endpoint:  os.Getenv("TEST_SPACES_ENDPOINT"),
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		t.Skip("TEST_SPACES_KEY, TEST_SPACES_SECRET or TEST_SPACES_BUCKET not set")
	}
	if cfg.Region == "" {
		cfg.Region = "nyc3"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://" + cfg.Region + ".digitaloceanspaces.com"
	}
	return cfg
}

func TestObjectStoreRoundTrip_E2E(t *testing.T) {
	cfg := getRemoteStorageConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	svc, err := objectstore.New(ctx, testLogger(), cfg)
	require.NoError(t, err)

	prefix := "temporal-ops-e2e/" + time.Now().UTC().Format("20060102150405") + "/"
	name := "temporal-backup-20261015_030000.tar.gz"
	local := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(local, []byte("e2e payload"), 0o600))

	require.NoError(t, svc.Upload(ctx, local, prefix+name))
	defer func() { _ = svc.Delete(context.Background(), prefix+name) }()

	artifacts, err := svc.List(ctx, prefix)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, name, artifacts[0].Name)
	assert.Equal(t, int64(len("e2e payload")), artifacts[0].SizeBytes)
	assert.True(t, artifacts[0].Remote)

	require.NoError(t, svc.Delete(ctx, prefix+name))

	artifacts, err = svc.List(ctx, prefix)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}
