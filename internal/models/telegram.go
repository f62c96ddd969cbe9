package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// Notification kinds.
const (
	NotifyDeploy = "deploy"
	NotifyBackup = "backup"
)

// TelegramMessage holds the data for a run notification.
type TelegramMessage struct {
	Kind      string
	Success   bool
	Host      string
	Domain    string
	StartTime time.Time
	Duration  time.Duration

	// Deploy details.
	Mode    DeployMode
	Outcome HealthOutcome
	Rollout RolloutState

	// Backup details.
	BackupName    string
	Components    []string
	SizeBytes     int64
	RemoteKey     string
	LocalDeleted  int
	RemoteDeleted int

	Warnings []string

	// Error info (if failed).
	ErrorMessage string
	FailedStep   string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
