// Package config provides configuration loading and management for the
// portal-sync service.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aligntrack/portal-sync/internal/logger"
	"github.com/aligntrack/portal-sync/internal/telemetry"
)

// Defaults for the sync section. These mirror the contract with the clinic
// software's trigger layer and the portal, so changing them is a
// cross-system decision, not a tuning knob.
const (
	// DefaultPollIntervalMinutes is the reverse-sync poller interval.
	DefaultPollIntervalMinutes = 60

	// DefaultInitialLookbackHours is the window scanned on first run when
	// no cursor state exists yet.
	DefaultInitialLookbackHours = 24

	// DefaultMaxRecordsPerPoll caps each entity type per poll cycle.
	DefaultMaxRecordsPerPoll = 500

	// DefaultMaxAttempts is the forward-queue retry ceiling per item.
	DefaultMaxAttempts = 10

	// DefaultBatchSize is the number of queue items drained per batch.
	DefaultBatchSize = 50

	// DefaultStatePath is where the poller cursor file lives.
	DefaultStatePath = "sync-state.json"

	// DefaultServerAddress is the listen address for the webhook server.
	DefaultServerAddress = ":8090"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Primary is the clinic-side SQLite database holding the business
	// tables and the change queue.
	Primary *PrimaryConfig `yaml:"primary"`

	// Replica is the portal-side Postgres database.
	Replica *ReplicaConfig `yaml:"replica"`

	// Server configures the HTTP surface (webhook, health, status).
	Server *ServerConfig `yaml:"server,omitempty"`

	// Sync configures queue draining and the reverse-sync poller.
	Sync *SyncConfig `yaml:"sync,omitempty"`

	// Telemetry configures OpenTelemetry tracing and metrics.
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`

	// Logging configures log level, encoding and optional file rotation.
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// PrimaryConfig defines the connection to the primary store.
type PrimaryConfig struct {
	// Path is the SQLite database file owned by the clinic software.
	Path string `yaml:"path"`

	// BusyTimeoutMS bounds lock waits against the clinic software's own
	// writes. Defaults to 5000.
	BusyTimeoutMS int `yaml:"busyTimeoutMs,omitempty"`
}

// GetBusyTimeout returns the busy timeout, using the default if not specified
func (p *PrimaryConfig) GetBusyTimeout() time.Duration {
	if p.BusyTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(p.BusyTimeoutMS) * time.Millisecond
}

// ReplicaConfig defines replica database connection settings
type ReplicaConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// This is the recommended approach for production deployments.
	// The file should contain only the password with optional trailing whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MigrationUser is an optional privileged user for schema migrations.
	// When unset, migrations run as User.
	MigrationUser string `yaml:"migrationUser,omitempty"`

	// MigrationPasswordFile is the password file for MigrationUser.
	MigrationPasswordFile string `yaml:"migrationPasswordFile,omitempty"`

	// MaxConns is the maximum size of the connection pool
	MaxConns int32 `yaml:"maxConns,omitempty"`

	// MinConns is the minimum number of idle connections kept in the pool
	MinConns int32 `yaml:"minConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the replica password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from PORTAL_SYNC_REPLICA_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (r *ReplicaConfig) GetPassword() (string, error) {
	if r.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(r.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", r.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("PORTAL_SYNC_REPLICA_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no replica password configured: set passwordFile or PORTAL_SYNC_REPLICA_PASSWORD environment variable",
	)
}

// GetMigrationUser returns the user migrations run as.
func (r *ReplicaConfig) GetMigrationUser() string {
	if r.MigrationUser == "" {
		return r.User
	}
	return r.MigrationUser
}

func (r *ReplicaConfig) getMigrationPassword() (string, error) {
	if r.MigrationUser == "" {
		return r.GetPassword()
	}

	if r.MigrationPasswordFile != "" {
		cleanPath := filepath.Clean(r.MigrationPasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read migration password from file %s: %w", r.MigrationPasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("PORTAL_SYNC_REPLICA_MIGRATION_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no migration password configured: set migrationPasswordFile or PORTAL_SYNC_REPLICA_MIGRATION_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (r *ReplicaConfig) GetConnectionString() (string, error) {
	password, err := r.GetPassword()
	if err != nil {
		return "", err
	}
	return r.buildConnectionString(r.User, password), nil
}

// GetMigrationConnectionString builds a connection string for the migration
// user (falling back to the regular user when none is configured).
func (r *ReplicaConfig) GetMigrationConnectionString() (string, error) {
	password, err := r.getMigrationPassword()
	if err != nil {
		return "", err
	}
	return r.buildConnectionString(r.GetMigrationUser(), password), nil
}

func (r *ReplicaConfig) buildConnectionString(user, password string) string {
	sslMode := r.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	// URL-escape the password to handle special characters
	escapedPassword := url.QueryEscape(password)

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		user,
		escapedPassword,
		r.Host,
		r.Port,
		r.Database,
		sslMode,
	)
}

// ServerConfig defines the HTTP server settings
type ServerConfig struct {
	// Address is the listen address, e.g. ":8090"
	Address string `yaml:"address,omitempty"`
}

// GetAddress returns the listen address, using the default if not specified
func (s *ServerConfig) GetAddress() string {
	if s == nil || s.Address == "" {
		return DefaultServerAddress
	}
	return s.Address
}

// SyncConfig defines queue-drain and poller settings.
type SyncConfig struct {
	// Enabled is the master switch for reverse sync (webhook routing and
	// the poller). Forward sync is always on. Defaults to true.
	Enabled *bool `yaml:"enabled,omitempty"`

	// PollIntervalMinutes is the reverse-sync poller interval.
	PollIntervalMinutes int `yaml:"pollIntervalMinutes,omitempty"`

	// InitialLookbackHours is applied only when no cursor file exists.
	InitialLookbackHours int `yaml:"initialLookbackHours,omitempty"`

	// MaxRecordsPerPoll caps each entity type per poll cycle.
	MaxRecordsPerPoll int `yaml:"maxRecordsPerPoll,omitempty"`

	// MaxAttempts is the forward-queue retry ceiling per item.
	MaxAttempts int `yaml:"maxAttempts,omitempty"`

	// BatchSize is the number of queue items drained per batch.
	BatchSize int `yaml:"batchSize,omitempty"`

	// StatePath is the cursor file location.
	StatePath string `yaml:"statePath,omitempty"`
}

// GetEnabled returns the reverse-sync master switch, defaulting to true.
func (s *SyncConfig) GetEnabled() bool {
	if s == nil || s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// GetPollInterval returns the poller interval as a duration.
func (s *SyncConfig) GetPollInterval() time.Duration {
	if s == nil || s.PollIntervalMinutes <= 0 {
		return DefaultPollIntervalMinutes * time.Minute
	}
	return time.Duration(s.PollIntervalMinutes) * time.Minute
}

// GetInitialLookback returns the first-run lookback window as a duration.
func (s *SyncConfig) GetInitialLookback() time.Duration {
	if s == nil || s.InitialLookbackHours <= 0 {
		return DefaultInitialLookbackHours * time.Hour
	}
	return time.Duration(s.InitialLookbackHours) * time.Hour
}

// GetMaxRecordsPerPoll returns the per-type poll cap.
func (s *SyncConfig) GetMaxRecordsPerPoll() int {
	if s == nil || s.MaxRecordsPerPoll <= 0 {
		return DefaultMaxRecordsPerPoll
	}
	return s.MaxRecordsPerPoll
}

// GetMaxAttempts returns the forward-queue retry ceiling.
func (s *SyncConfig) GetMaxAttempts() int {
	if s == nil || s.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return s.MaxAttempts
}

// GetBatchSize returns the queue batch size.
func (s *SyncConfig) GetBatchSize() int {
	if s == nil || s.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return s.BatchSize
}

// GetStatePath returns the cursor file path, using the default if not specified
func (s *SyncConfig) GetStatePath() string {
	if s == nil || s.StatePath == "" {
		return DefaultStatePath
	}
	return s.StatePath
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level,omitempty"`

	// Unstructured switches to human-readable console output
	Unstructured bool `yaml:"unstructured,omitempty"`

	// File enables size-rotated file output when set
	File *LogFileConfig `yaml:"file,omitempty"`
}

// LogFileConfig defines rotating log file settings
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMb,omitempty"`
	MaxBackups int    `yaml:"maxBackups,omitempty"`
	MaxAgeDays int    `yaml:"maxAgeDays,omitempty"`
}

// ToOptions converts the logging section to logger options.
func (l *LoggingConfig) ToOptions() logger.Options {
	if l == nil {
		return logger.Options{Level: "info"}
	}
	opts := logger.Options{
		Level:        l.Level,
		Unstructured: l.Unstructured,
	}
	if l.File != nil {
		opts.File = &logger.FileOptions{
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
		}
	}
	return opts
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	// As of now, this is required because there's no other options to load
	// configuration. Once we add more options, we can remove this check.
	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML content
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Validate the config
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Primary == nil || c.Primary.Path == "" {
		return fmt.Errorf("primary.path is required")
	}

	if err := validateReplicaConfig(c.Replica); err != nil {
		return err
	}

	if err := validateSyncConfig(c.Sync); err != nil {
		return err
	}

	if err := validateLoggingConfig(c.Logging); err != nil {
		return err
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

// validateReplicaConfig validates the replica connection settings
func validateReplicaConfig(r *ReplicaConfig) error {
	if r == nil {
		return fmt.Errorf("replica configuration is required")
	}
	if r.Host == "" {
		return fmt.Errorf("replica.host is required")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("replica.port must be between 1 and 65535, got %d", r.Port)
	}
	if r.User == "" {
		return fmt.Errorf("replica.user is required")
	}
	if r.Database == "" {
		return fmt.Errorf("replica.database is required")
	}
	if r.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(r.ConnMaxLifetime); err != nil {
			return fmt.Errorf("replica.connMaxLifetime must be a valid duration (e.g., '30m', '1h'): %w", err)
		}
	}
	return nil
}

// validateSyncConfig validates the sync section
func validateSyncConfig(s *SyncConfig) error {
	if s == nil {
		return nil
	}
	if s.PollIntervalMinutes < 0 {
		return fmt.Errorf("sync.pollIntervalMinutes must not be negative, got %d", s.PollIntervalMinutes)
	}
	if s.InitialLookbackHours < 0 {
		return fmt.Errorf("sync.initialLookbackHours must not be negative, got %d", s.InitialLookbackHours)
	}
	if s.MaxRecordsPerPoll < 0 {
		return fmt.Errorf("sync.maxRecordsPerPoll must not be negative, got %d", s.MaxRecordsPerPoll)
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("sync.maxAttempts must not be negative, got %d", s.MaxAttempts)
	}
	if s.BatchSize < 0 {
		return fmt.Errorf("sync.batchSize must not be negative, got %d", s.BatchSize)
	}
	if s.BatchSize > 1000 {
		return fmt.Errorf("sync.batchSize must not exceed 1000, got %d", s.BatchSize)
	}
	return nil
}

// validateLoggingConfig validates the logging section
func validateLoggingConfig(l *LoggingConfig) error {
	if l == nil {
		return nil
	}
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", l.Level)
	}
	if l.File != nil && l.File.Path == "" {
		return fmt.Errorf("logging.file.path is required when file output is configured")
	}
	return nil
}
