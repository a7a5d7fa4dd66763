package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Daemon      DaemonConfig      `mapstructure:"daemon"`
}

// APIConfig locates the datastore and tunes the publish client
type APIConfig struct {
	URL         string  `mapstructure:"url"`
	AnonKey     string  `mapstructure:"anon_key"`
	WebAppURL   string  `mapstructure:"web_app_url"` // login page opened during setup
	AuthPath    string  `mapstructure:"auth_path"`
	RestPath    string  `mapstructure:"rest_path"`
	Table       string  `mapstructure:"table"`
	Timeout     string  `mapstructure:"timeout"`
	MaxRetries  int     `mapstructure:"max_retries"`
	BackoffBase string  `mapstructure:"backoff_base"`
	RateLimit   float64 `mapstructure:"rate_limit"` // requests per second, 0 disables
}

// CredentialsConfig locates the persisted token file
type CredentialsConfig struct {
	Path string `mapstructure:"path"`
}

// SessionsConfig selects where boot/shutdown history is read from
type SessionsConfig struct {
	Source  string   `mapstructure:"source"` // "last" or "file"
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	File    string   `mapstructure:"file"`
}

// StorageConfig defines the sync history backend
type StorageConfig struct {
	Type          string      `mapstructure:"type"` // "none" or "redis"
	Redis         RedisConfig `mapstructure:"redis"`
	RetentionDays int         `mapstructure:"retention_days"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"` // empty logs to stderr
}

// MetricsConfig defines the metrics endpoint and textfile export
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
	Textfile    string `mapstructure:"textfile"` // written after one-shot runs when set
}

// DaemonConfig defines the periodic sync loop
type DaemonConfig struct {
	Interval string `mapstructure:"interval"`
	Watchdog bool   `mapstructure:"watchdog"`
}

// DefaultPath returns the per-user configuration file location.
func DefaultPath() string {
	return filepath.Join(userConfigDir(), "avadhi", "config.toml")
}

func userConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return dir
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	v.SetEnvPrefix("AVADHI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration with no file or environment applied.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.url", "")
	v.SetDefault("api.anon_key", "")
	v.SetDefault("api.web_app_url", "")
	v.SetDefault("api.auth_path", "/auth/v1")
	v.SetDefault("api.rest_path", "/rest/v1")
	v.SetDefault("api.table", "daily_work_span")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.backoff_base", "2s")
	v.SetDefault("api.rate_limit", 0.0)

	// Credentials defaults
	v.SetDefault("credentials.path", filepath.Join(userConfigDir(), "avadhi", "credentials.toml"))

	// Session source defaults
	v.SetDefault("sessions.source", "last")
	v.SetDefault("sessions.command", "last")
	v.SetDefault("sessions.args", []string{"-x", "-F", "reboot"})
	v.SetDefault("sessions.file", "")

	// Storage defaults
	v.SetDefault("storage.type", "none")
	v.SetDefault("storage.retention_days", 90)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
	v.SetDefault("metrics.port", 9464)
	v.SetDefault("metrics.textfile", "")

	// Daemon defaults
	v.SetDefault("daemon.interval", "1h")
	v.SetDefault("daemon.watchdog", true)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.API.Table == "" {
		return fmt.Errorf("api.table is required")
	}
	if cfg.API.MaxRetries <= 0 {
		return fmt.Errorf("invalid api.max_retries: %d", cfg.API.MaxRetries)
	}
	if cfg.API.RateLimit < 0 {
		return fmt.Errorf("invalid api.rate_limit: %v", cfg.API.RateLimit)
	}

	for key, value := range map[string]string{
		"api.timeout":                 cfg.API.Timeout,
		"api.backoff_base":            cfg.API.BackoffBase,
		"daemon.interval":             cfg.Daemon.Interval,
		"storage.redis.dial_timeout":  cfg.Storage.Redis.DialTimeout,
		"storage.redis.read_timeout":  cfg.Storage.Redis.ReadTimeout,
		"storage.redis.write_timeout": cfg.Storage.Redis.WriteTimeout,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid %s: must be positive", key)
		}
	}

	if cfg.Credentials.Path == "" {
		return fmt.Errorf("credentials.path is required")
	}

	switch cfg.Sessions.Source {
	case "last":
		if cfg.Sessions.Command == "" {
			return fmt.Errorf("sessions.command is required when sessions.source is \"last\"")
		}
	case "file":
		if cfg.Sessions.File == "" {
			return fmt.Errorf("sessions.file is required when sessions.source is \"file\"")
		}
	default:
		return fmt.Errorf("invalid sessions.source: %q (must be \"last\" or \"file\")", cfg.Sessions.Source)
	}

	switch cfg.Storage.Type {
	case "", "none":
		cfg.Storage.Type = "none"
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	default:
		return fmt.Errorf("invalid storage.type: %q (must be \"none\" or \"redis\")", cfg.Storage.Type)
	}
	if cfg.Storage.RetentionDays < 0 {
		return fmt.Errorf("invalid storage.retention_days: %d", cfg.Storage.RetentionDays)
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format: %q (must be \"json\" or \"text\")", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	return nil
}

// FindUnknownKeys reads configPath and returns keys that no setting uses.
func FindUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	known := viper.New()
	setDefaults(known)
	valid := make(map[string]bool)
	for _, key := range known.AllKeys() {
		valid[key] = true
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// Missing lists settings that must be filled in before a sync can publish.
func (c *Config) Missing() []string {
	var missing []string
	if c.API.URL == "" {
		missing = append(missing, "api.url")
	}
	return missing
}

// TimeoutDuration returns the per-request timeout.
func (c APIConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// BackoffBaseDuration returns the first retry wait.
func (c APIConfig) BackoffBaseDuration() time.Duration {
	return parseDuration(c.BackoffBase, 2*time.Second)
}

// IntervalDuration returns the time between daemon runs.
func (c DaemonConfig) IntervalDuration() time.Duration {
	return parseDuration(c.Interval, time.Hour)
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
