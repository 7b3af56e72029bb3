package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/fieldsync/internal/paths"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// defaultConfigYAML is written to config.yaml on first run. Keys left out
// take their built-in defaults.
const defaultConfigYAML = `# fieldsync configuration

backend: sqlite

# Local database location; overridden by --data-dir.
# data_dir:

# Cap on the local database size in bytes (0 = unlimited).
quota_bytes: 0

sync:
  batch_size: 50
  max_attempts: 5
  interval: 5m
  retry_base: 30s
  retry_max: 30m

connectivity:
  # probe_url defaults to <remote.url>/healthz when a remote is configured.
  # probe_url:
  probe_interval: 10s
  stable_interval: 3s

remote:
  # Required for sync. Changes stay queued while it is empty.
  url: ""
  timeout: 15s

log:
  level: info
  # Set file to log to a rotating file instead of stderr.
  # file:
`

// loadedConfig is the effective configuration of one invocation.
type loadedConfig struct {
	types.Config
	dir   string
	viper *viper.Viper
}

// loadConfig reads config.yaml from the resolved config directory, creating
// the directory and a default file on first run, then resolves the data
// directory and validates the result.
func loadConfig(configDirFlag, dataDirFlag string) (*loadedConfig, error) {
	dir, err := paths.ResolveConfigDir(configDirFlag)
	if err != nil {
		return nil, fmt.Errorf("resolve config dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(dir); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}

	v := viper.New()
	setDefaults(v, types.DefaultConfig())
	v.SetConfigFile(paths.ConfigFile(dir))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, err
	}
	cfg.DataDir, err = paths.ResolveDataDir(dataDirFlag, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", v.ConfigFileUsed(), err)
	}
	return &loadedConfig{Config: cfg, dir: dir, viper: v}, nil
}

func decodeConfig(v *viper.Viper) (types.Config, error) {
	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d types.Config) {
	v.SetDefault("backend", d.Backend)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("quota_bytes", d.QuotaBytes)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.retry_base", d.Sync.RetryBase)
	v.SetDefault("sync.retry_max", d.Sync.RetryMax)
	v.SetDefault("connectivity.probe_url", d.Connectivity.ProbeURL)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.probe_timeout", d.Connectivity.ProbeTimeout)
	v.SetDefault("connectivity.stable_interval", d.Connectivity.StableInterval)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// ensureDefaultConfigFile writes config.yaml unless it already exists.
func ensureDefaultConfigFile(dir string) error {
	path := paths.ConfigFile(dir)
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.flags.jsonMode {
				return printJSON(cmd.OutOrStdout(), a.cfg.Config)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", a.cfg.viper.ConfigFileUsed())
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(a.cfg.Config); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	}
}
