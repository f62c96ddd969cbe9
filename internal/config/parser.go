// Package config provides environment file parsing.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/spf13/viper"
)

// Defaults for optional settings.
const (
	DefaultPostgresPort    = 5432
	DefaultRetentionDays   = 7
	DefaultRegion          = "nyc3"
	DefaultPrimaryService  = "temporal"
	DefaultHealthCommand   = "temporal operator cluster health"
	DefaultMaxAttempts     = 30
	DefaultHealthInterval  = 2 * time.Second
	DefaultSettleInterval  = 30 * time.Second
	DefaultGRPCAddr        = "localhost:7233"
	DefaultUIURL           = "http://localhost:8080"
	DefaultRemotePrefix    = "temporal-backups/"
	DefaultHelperImage     = "alpine:3.20"
	DefaultPostgresImage   = "postgres:16-alpine"
	DefaultDumpImage       = "elasticdump/elasticsearch-dump:latest"
	DefaultNginxConfig     = "/etc/nginx/sites-available/temporal"
	DefaultESURL           = "http://localhost:9200"
	DefaultESInternalURL   = "http://elasticsearch:9200"
	DefaultESIndex         = "temporal_visibility_v1_dev"
	DefaultESRepository    = "temporal_backup"
	DefaultESRepoPath      = "/usr/share/elasticsearch/backup"
	defaultComposeFileName = "docker-compose.yml"
)

// ErrMissingRequired is returned when a required key is absent or empty.
var ErrMissingRequired = errors.New("missing required configuration")

// Parser handles environment file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("env")
	return &Parser{v: v}
}

// LoadFile loads configuration from an env file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving env file path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("env file not found: %w", err)
	}

	p.v.SetConfigFile(abs)
	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}

	return p.parse(abs)
}

// LoadReader loads configuration from a string (useful for testing).
// Relative paths are resolved against projectDir.
func (p *Parser) LoadReader(content, projectDir string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading env: %w", err)
	}

	return p.parse(filepath.Join(projectDir, ".env"))
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse(envFile string) (*models.Config, error) {
	cfg := &models.Config{
		EnvFile:       envFile,
		Domain:        p.get("DOMAIN"),
		EncryptionKey: p.get("ENCRYPTION_KEY"),
	}

	// Database settings (required).
	cfg.Database = models.DatabaseConfig{
		Host:     p.get("POSTGRES_HOST"),
		Port:     p.v.GetInt("POSTGRES_PORT"),
		Username: p.get("POSTGRES_USER"),
		Password: p.get("POSTGRES_PASSWORD"),
		Image:    p.getOr("POSTGRES_CLIENT_IMAGE", DefaultPostgresImage),
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = DefaultPostgresPort
	}

	// Project layout.
	projectDir := p.getOr("PROJECT_DIR", filepath.Dir(envFile))
	cfg.Project = models.ProjectSettings{
		Dir:            projectDir,
		ComposeFile:    p.path(projectDir, p.getOr("COMPOSE_FILE", defaultComposeFileName)),
		Name:           p.getOr("COMPOSE_PROJECT_NAME", projectName(projectDir)),
		PrimaryService: p.getOr("PRIMARY_SERVICE", DefaultPrimaryService),
	}

	// Health gate.
	cfg.Health = models.HealthSettings{
		Command:     strings.Fields(p.getOr("HEALTH_COMMAND", DefaultHealthCommand)),
		MaxAttempts: p.v.GetInt("HEALTH_MAX_ATTEMPTS"),
		Interval:    p.v.GetDuration("HEALTH_INTERVAL"),
		Settle:      p.v.GetDuration("HEALTH_SETTLE"),
		GRPCAddr:    p.getOr("TEMPORAL_GRPC_ADDR", DefaultGRPCAddr),
		UIURL:       p.getOr("TEMPORAL_UI_URL", DefaultUIURL),
	}
	if cfg.Health.MaxAttempts <= 0 {
		cfg.Health.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Health.Interval <= 0 {
		cfg.Health.Interval = DefaultHealthInterval
	}
	if cfg.Health.Settle <= 0 {
		cfg.Health.Settle = DefaultSettleInterval
	}

	// Backup settings.
	cfg.Backup = models.BackupSettings{
		Dir:          p.path(projectDir, p.getOr("BACKUP_DIR", "backups")),
		Volumes:      splitList(p.get("BACKUP_VOLUMES")),
		NginxConfig:  p.getOr("NGINX_CONFIG", DefaultNginxConfig),
		HelperImage:  p.getOr("BACKUP_HELPER_IMAGE", DefaultHelperImage),
		NetworkName:  p.getOr("COMPOSE_NETWORK", cfg.Project.Name+"_default"),
		RemotePrefix: p.getOr("BACKUP_REMOTE_PREFIX", DefaultRemotePrefix),
	}
	if !strings.HasSuffix(cfg.Backup.RemotePrefix, "/") {
		cfg.Backup.RemotePrefix += "/"
	}

	cfg.Database.Network = p.get("POSTGRES_PROBE_NETWORK")
	if cfg.Database.Network == "" {
		cfg.Database.Network = probeNetwork(cfg.Database.Host, cfg.Backup.NetworkName)
	}

	cfg.Retention = models.RetentionPolicy{Days: p.v.GetInt("BACKUP_RETENTION_DAYS")}
	if cfg.Retention.Days <= 0 {
		cfg.Retention.Days = DefaultRetentionDays
	}

	cfg.Elasticsearch = models.ElasticsearchConfig{
		URL:         p.getOr("ELASTICSEARCH_URL", DefaultESURL),
		InternalURL: p.getOr("ELASTICSEARCH_INTERNAL_URL", DefaultESInternalURL),
		Index:       p.getOr("ELASTICSEARCH_INDEX", DefaultESIndex),
		Repository:  p.getOr("ELASTICSEARCH_SNAPSHOT_REPO", DefaultESRepository),
		RepoPath:    p.getOr("ELASTICSEARCH_SNAPSHOT_PATH", DefaultESRepoPath),
		HostRepoDir: p.path(projectDir, p.getOr("ELASTICSEARCH_SNAPSHOT_HOST_DIR", "elasticsearch-backup")),
		DumpImage:   p.getOr("ELASTICSEARCH_DUMP_IMAGE", DefaultDumpImage),
	}

	cfg.LogFile = p.path(projectDir, p.getOr("LOG_FILE", filepath.Join("logs", "temporal-ops.log")))
	if metrics := p.get("METRICS_TEXTFILE"); metrics != "" {
		cfg.MetricsTextfile = p.path(projectDir, metrics)
	}

	// Optional remote storage, only when key, secret and bucket are all set.
	accessKey := p.get("DO_SPACES_KEY")
	secretKey := p.get("DO_SPACES_SECRET")
	bucket := p.get("DO_SPACES_BUCKET")
	if accessKey != "" && secretKey != "" && bucket != "" {
		region := p.getOr("DO_SPACES_REGION", DefaultRegion)
		cfg.RemoteStorage = &models.RemoteStorageConfig{
			AccessKey: accessKey,
			SecretKey: secretKey,
			Bucket:    bucket,
			Region:    region,
			Endpoint:  p.getOr("DO_SPACES_ENDPOINT", fmt.Sprintf("https://%s.digitaloceanspaces.com", region)),
		}
	}

	// Optional Telegram notifications.
	botToken := p.get("TELEGRAM_BOT_TOKEN")
	chatID := p.get("TELEGRAM_CHAT_ID")
	if botToken != "" || chatID != "" {
		if botToken == "" {
			return nil, fmt.Errorf("%w: TELEGRAM_BOT_TOKEN is required when TELEGRAM_CHAT_ID is set", ErrMissingRequired)
		}
		if chatID == "" {
			return nil, fmt.Errorf("%w: TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set", ErrMissingRequired)
		}
		cfg.Telegram = &models.TelegramConfig{BotToken: botToken, ChatID: chatID}
	}

	return cfg, nil
}

func (p *Parser) get(key string) string {
	return strings.TrimSpace(p.expandEnv(p.v.GetString(key)))
}

func (p *Parser) getOr(key, def string) string {
	if s := p.get(key); s != "" {
		return s
	}
	return def
}

// path resolves a possibly relative path against the project directory.
func (p *Parser) path(projectDir, s string) string {
	if filepath.IsAbs(s) {
		return s
	}
	return filepath.Join(projectDir, s)
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// probeNetwork picks the network the database probe runs on. A bare name
// like "postgresql" is a compose service and only resolves on the compose
// network; addresses and qualified names are reached from the host.
func probeNetwork(host, composeNetwork string) string {
	if host == "" || host == "localhost" || net.ParseIP(host) != nil || strings.Contains(host, ".") {
		return "host"
	}
	return composeNetwork
}

// projectName mirrors the compose default: the lowercased directory name.
func projectName(dir string) string {
	return strings.ToLower(filepath.Base(dir))
}

// Validate performs validation on the loaded configuration. It only
// checks keys without which no component can run.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	required := []struct {
		key   string
		value string
	}{
		{"POSTGRES_HOST", cfg.Database.Host},
		{"POSTGRES_USER", cfg.Database.Username},
		{"POSTGRES_PASSWORD", cfg.Database.Password},
		{"DOMAIN", cfg.Domain},
		{"ENCRYPTION_KEY", cfg.EncryptionKey},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%w: %s", ErrMissingRequired, r.key)
		}
	}

	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		return fmt.Errorf("POSTGRES_PORT must be between 1 and 65535")
	}

	if len(cfg.Health.Command) == 0 {
		return fmt.Errorf("HEALTH_COMMAND must not be empty")
	}

	return nil
}
