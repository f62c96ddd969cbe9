//go:build e2e

package e2e

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/fgeck/temporal-ops/internal/services/telegram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTelegramConfig(t *testing.T) models.TelegramConfig {
	t.Helper()

	botToken := os.Getenv("TEST_TELEGRAM_BOT_TOKEN")
	if botToken == "" {
		t.Skip("TEST_TELEGRAM_BOT_TOKEN not set")
	}

	chatID := os.Getenv("TEST_TELEGRAM_CHAT_ID")
	if chatID == "" {
		t.Skip("TEST_TELEGRAM_CHAT_ID not set")
	}

	return models.TelegramConfig{
		BotToken: botToken,
		ChatID:   chatID,
	}
}

func TestTelegramSendDeployNotification_E2E(t *testing.T) {
	cfg := getTelegramConfig(t)

	svc := telegram.New(testLogger())

	msg := models.TelegramMessage{
		Kind:      models.NotifyDeploy,
		Success:   true,
		Host:      "e2e-test-host",
		Domain:    "temporal.example.com",
		StartTime: time.Now().Add(-3 * time.Minute),
		Duration:  3 * time.Minute,
		Mode:      models.ModeRollingUpdate,
		Outcome:   models.OutcomeHealthy,
		Rollout:   models.StatePromoted,
	}

	result, err := svc.SendNotification(context.Background(), cfg, msg)

	require.NoError(t, err)
	assert.True(t, result.MessageSent)
	assert.Nil(t, result.Error)
}

func TestTelegramSendBackupNotification_E2E(t *testing.T) {
	cfg := getTelegramConfig(t)

	svc := telegram.New(testLogger())

	msg := models.TelegramMessage{
		Kind:         models.NotifyBackup,
		Success:      true,
		Host:         "e2e-test-host",
		Domain:       "temporal.example.com",
		StartTime:    time.Now().Add(-5 * time.Minute),
		Duration:     5 * time.Minute,
		BackupName:   "temporal-backup-20261015_030000",
		Components:   []string{"elasticsearch", "configuration", "volumes"},
		SizeBytes:    1024 * 1024 * 512,
		RemoteKey:    "temporal-backups/temporal-backup-20261015_030000.tar.gz",
		LocalDeleted: 1,
		Warnings:     []string{"volume temporal_cache not archived: exit status 1"},
	}

	result, err := svc.SendNotification(context.Background(), cfg, msg)

	require.NoError(t, err)
	assert.True(t, result.MessageSent)
	assert.Nil(t, result.Error)
}

func TestTelegramSendFailureNotification_E2E(t *testing.T) {
	cfg := getTelegramConfig(t)

	svc := telegram.New(testLogger())

	msg := models.TelegramMessage{
		Kind:         models.NotifyDeploy,
		Success:      false,
		Host:         "e2e-test-host",
		StartTime:    time.Now().Add(-2 * time.Minute),
		Duration:     2 * time.Minute,
		FailedStep:   "database",
		ErrorMessage: "database unreachable: connection refused",
	}

	result, err := svc.SendNotification(context.Background(), cfg, msg)

	require.NoError(t, err)
	assert.True(t, result.MessageSent)
	assert.Nil(t, result.Error)
}

func TestTelegramInvalidToken_E2E(t *testing.T) {
	cfg := models.TelegramConfig{
		BotToken: "invalid:token",
		ChatID:   "-100123456789",
	}

	svc := telegram.New(testLogger())

	msg := models.TelegramMessage{
		Kind:    models.NotifyBackup,
		Success: true,
		Host:    "test",
	}

	result, err := svc.SendNotification(context.Background(), cfg, msg)

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	assert.NotNil(t, result.Error)
}
