package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/qingminglong/frontend-develop-tools/internal/watch"
)

// ErrInvalidConfig is wrapped by every error returned from Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// WatchConfig holds settings for continuous watch mode.
type WatchConfig struct {
	Debounce     time.Duration `mapstructure:"debounce"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Ignore       []string      `mapstructure:"ignore"`
}

// Config holds all runtime configuration for an fdt process.
// Values are populated from .fdt.yaml, FDT_* env vars, and CLI flags.
type Config struct {
	PackageManager    string        `mapstructure:"package_manager"`
	BuildScript       string        `mapstructure:"build_script"`
	BuildTimeout      time.Duration `mapstructure:"build_timeout"`
	WorkspaceManifest string        `mapstructure:"workspace_manifest"`
	PackageManifest   string        `mapstructure:"package_manifest"`
	SourceDir         string        `mapstructure:"source_dir"`
	LinkManifest      string        `mapstructure:"link_manifest"`
	OutputDirs        []string      `mapstructure:"output_dirs"`
	HistoryDB         string        `mapstructure:"history_db"`
	TelemetryPath     string        `mapstructure:"telemetry_path"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
	SessionCacheSize  int           `mapstructure:"session_cache_size"`
	Verbose           bool          `mapstructure:"verbose"`
	Watch             WatchConfig   `mapstructure:"watch"`
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load() (Config, error) {
	viper.SetDefault("package_manager", "pnpm")
	viper.SetDefault("build_script", "build")
	viper.SetDefault("build_timeout", 5*time.Minute)
	viper.SetDefault("workspace_manifest", "pnpm-workspace.yaml")
	viper.SetDefault("package_manifest", "package.json")
	viper.SetDefault("source_dir", "src")
	viper.SetDefault("link_manifest", ".fdt-link.toml")
	viper.SetDefault("output_dirs", []string{"dist", "lib", "es"})
	viper.SetDefault("history_db", defaultHistoryDB())
	viper.SetDefault("telemetry_path", "")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("session_cache_size", 16)
	viper.SetDefault("verbose", false)
	viper.SetDefault("watch.debounce", 100*time.Millisecond)
	viper.SetDefault("watch.poll_interval", 50*time.Millisecond)
	viper.SetDefault("watch.ignore", watch.DefaultIgnore)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.PackageManager == "" {
		errs = append(errs, errors.New("package_manager must not be empty"))
	}
	if c.BuildScript == "" {
		errs = append(errs, errors.New("build_script must not be empty"))
	}
	if c.WorkspaceManifest == "" {
		errs = append(errs, errors.New("workspace_manifest must not be empty"))
	}
	if c.PackageManifest == "" {
		errs = append(errs, errors.New("package_manifest must not be empty"))
	}
	if c.BuildTimeout <= 0 {
		errs = append(errs, fmt.Errorf("build_timeout must be positive, got %s", c.BuildTimeout))
	}
	if c.Watch.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("watch.debounce must be positive, got %s", c.Watch.Debounce))
	}
	if c.Watch.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("watch.poll_interval must be positive, got %s", c.Watch.PollInterval))
	}
	if c.SessionCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("session_cache_size must be positive, got %d", c.SessionCacheSize))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// defaultHistoryDB places the history database in the user cache dir. An
// empty result disables history.
func defaultHistoryDB() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "frontend-develop-tools", "history.db")
}
