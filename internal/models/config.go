// Package models contains the data structures used throughout temporal-ops.
package models

import "time"

// Config holds the validated configuration shared by the deployment
// controller and the backup lifecycle manager.
type Config struct {
	EnvFile       string
	Domain        string
	EncryptionKey string

	Database      DatabaseConfig
	Project       ProjectSettings
	Health        HealthSettings
	Backup        BackupSettings
	Retention     RetentionPolicy
	Elasticsearch ElasticsearchConfig

	LogFile         string
	MetricsTextfile string // empty disables metrics output

	RemoteStorage *RemoteStorageConfig // nil if not configured
	Telegram      *TelegramConfig      // nil if not configured
}

// ProjectSettings describes the compose topology on the host.
type ProjectSettings struct {
	Dir            string
	ComposeFile    string
	Name           string // compose project name, used for volume prefixes and locks
	PrimaryService string
}

// HealthSettings controls the rolling update health gate and the
// post-deploy probes.
type HealthSettings struct {
	Command     []string // run inside the primary service container
	MaxAttempts int
	Interval    time.Duration
	Settle      time.Duration
	GRPCAddr    string
	UIURL       string
}

// BackupSettings holds backup-specific settings.
type BackupSettings struct {
	Dir          string
	Volumes      []string // explicit list; empty means "read from compose file"
	NginxConfig  string
	HelperImage  string // image used for volume archive containers
	NetworkName  string // compose network used by the dump fallback
	RemotePrefix string
}

// RetentionPolicy defines how long backups are kept.
type RetentionPolicy struct {
	Days int
}

// MaxAge returns the retention window as a duration.
func (p RetentionPolicy) MaxAge() time.Duration {
	return time.Duration(p.Days) * 24 * time.Hour
}

// RemoteStorageConfig holds S3-compatible object storage credentials.
// It is only present when key, secret and bucket are all supplied.
type RemoteStorageConfig struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Endpoint  string
}
