package types

import (
	"errors"
	"time"
)

// Supported backend names.
const (
	BackendSQLite = "sqlite"
)

// Config holds store, sync, connectivity, remote and logging settings.
// Field tags match the keys of config.yaml.
type Config struct {
	Backend string `mapstructure:"backend" json:"backend" yaml:"backend"`
	DataDir string `mapstructure:"data_dir" json:"data_dir" yaml:"data_dir"`

	// QuotaBytes caps the size of the local database; zero means unlimited.
	QuotaBytes int64 `mapstructure:"quota_bytes" json:"quota_bytes" yaml:"quota_bytes"`

	Sync         SyncConfig         `mapstructure:"sync" json:"sync" yaml:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" json:"connectivity" yaml:"connectivity"`
	Remote       RemoteConfig       `mapstructure:"remote" json:"remote" yaml:"remote"`
	Log          LogConfig          `mapstructure:"log" json:"log" yaml:"log"`
}

// SyncConfig tunes the sync coordinator and change queue.
type SyncConfig struct {
	BatchSize   int           `mapstructure:"batch_size" json:"batch_size" yaml:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts" yaml:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	RetryBase   time.Duration `mapstructure:"retry_base" json:"retry_base" yaml:"retry_base"`
	RetryMax    time.Duration `mapstructure:"retry_max" json:"retry_max" yaml:"retry_max"`
}

// ConnectivityConfig tunes the connectivity monitor.
type ConnectivityConfig struct {
	ProbeURL       string        `mapstructure:"probe_url" json:"probe_url" yaml:"probe_url"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval" json:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" json:"probe_timeout" yaml:"probe_timeout"`
	StableInterval time.Duration `mapstructure:"stable_interval" json:"stable_interval" yaml:"stable_interval"`
}

// RemoteConfig selects the remote entity service. With an empty URL changes
// stay queued on the device.
type RemoteConfig struct {
	URL     string        `mapstructure:"url" json:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level string `mapstructure:"level" json:"level" yaml:"level"`

	// File switches output to a rotating log file.
	File       string `mapstructure:"file" json:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
}

// Config validation errors.
var (
	ErrBackendEmpty          = errors.New("backend must not be empty")
	ErrBackendUnknown        = errors.New("unknown backend")
	ErrQuotaInvalid          = errors.New("quota must not be negative")
	ErrBatchSizeInvalid      = errors.New("batch size must be positive")
	ErrMaxAttemptsInvalid    = errors.New("max attempts must be positive")
	ErrRetryBackoffInvalid   = errors.New("retry backoff must be positive and retry_max >= retry_base")
	ErrStableIntervalInvalid = errors.New("stable interval must not be negative")
	ErrLogLevelUnknown       = errors.New("unknown log level")
)

// knownBackends lists the backends that Validate accepts.
var knownBackends = map[string]bool{
	BackendSQLite: true,
}

var knownLogLevels = map[string]bool{
	"": true, "debug": true, "info": true, "warn": true, "error": true,
}

// DefaultConfig returns the configuration used when config.yaml is silent.
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		Sync: SyncConfig{
			BatchSize:   50,
			MaxAttempts: 5,
			Interval:    5 * time.Minute,
			RetryBase:   30 * time.Second,
			RetryMax:    30 * time.Minute,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval:  10 * time.Second,
			ProbeTimeout:   5 * time.Second,
			StableInterval: 3 * time.Second,
		},
		Remote: RemoteConfig{
			Timeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.QuotaBytes < 0 {
		return ErrQuotaInvalid
	}
	if c.Sync.BatchSize <= 0 {
		return ErrBatchSizeInvalid
	}
	if c.Sync.MaxAttempts <= 0 {
		return ErrMaxAttemptsInvalid
	}
	if c.Sync.RetryBase <= 0 || c.Sync.RetryMax < c.Sync.RetryBase {
		return ErrRetryBackoffInvalid
	}
	if c.Connectivity.StableInterval < 0 {
		return ErrStableIntervalInvalid
	}
	if !knownLogLevels[c.Log.Level] {
		return ErrLogLevelUnknown
	}
	return nil
}
