package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/avadhi/internal/config"
	"github.com/spf13/cobra"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the Avadhi configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := config.FindUnknownKeys(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: %s does not exist, using defaults\n", configPath)
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
		}
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// Settings a sync cannot run without
	if missing := cfg.Missing(); len(missing) > 0 {
		yellow := color.New(color.FgYellow, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = yellow.Fprintf(os.Stdout, "⚠️  Not set, sync will fail until configured: %s\n", strings.Join(missing, ", "))
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(os.Stdout, cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(w io.Writer, cfg, defaultCfg *config.Config, unknownKeys []string) {
	cyan := color.New(color.FgCyan, color.Bold)
	d := dumper{
		w:        w,
		modified: color.New(color.FgYellow, color.Bold),
		unset:    color.New(color.FgGreen),
	}

	// API
	_, _ = cyan.Fprintln(w, "\n[api]")
	d.field("  url", cfg.API.URL, defaultCfg.API.URL)
	d.field("  anon_key", redactPassword(cfg.API.AnonKey), redactPassword(defaultCfg.API.AnonKey))
	d.field("  web_app_url", cfg.API.WebAppURL, defaultCfg.API.WebAppURL)
	d.field("  auth_path", cfg.API.AuthPath, defaultCfg.API.AuthPath)
	d.field("  rest_path", cfg.API.RestPath, defaultCfg.API.RestPath)
	d.field("  table", cfg.API.Table, defaultCfg.API.Table)
	d.field("  timeout", cfg.API.Timeout, defaultCfg.API.Timeout)
	d.field("  max_retries", cfg.API.MaxRetries, defaultCfg.API.MaxRetries)
	d.field("  backoff_base", cfg.API.BackoffBase, defaultCfg.API.BackoffBase)
	d.field("  rate_limit", cfg.API.RateLimit, defaultCfg.API.RateLimit)

	// Credentials
	_, _ = cyan.Fprintln(w, "\n[credentials]")
	d.field("  path", cfg.Credentials.Path, defaultCfg.Credentials.Path)

	// Sessions
	_, _ = cyan.Fprintln(w, "\n[sessions]")
	d.field("  source", cfg.Sessions.Source, defaultCfg.Sessions.Source)
	d.field("  command", cfg.Sessions.Command, defaultCfg.Sessions.Command)
	d.field("  args", cfg.Sessions.Args, defaultCfg.Sessions.Args)
	d.field("  file", cfg.Sessions.File, defaultCfg.Sessions.File)

	// Storage
	_, _ = cyan.Fprintln(w, "\n[storage]")
	d.field("  type", cfg.Storage.Type, defaultCfg.Storage.Type)
	d.field("  retention_days", cfg.Storage.RetentionDays, defaultCfg.Storage.RetentionDays)
	_, _ = cyan.Fprintln(w, "  [storage.redis]")
	d.field("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host)
	d.field("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port)
	d.field("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password))
	d.field("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB)
	d.field("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize)
	d.field("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns)
	d.field("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout)
	d.field("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout)
	d.field("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout)

	// Logging
	_, _ = cyan.Fprintln(w, "\n[logging]")
	d.field("  level", cfg.Logging.Level, defaultCfg.Logging.Level)
	d.field("  format", cfg.Logging.Format, defaultCfg.Logging.Format)
	d.field("  file", cfg.Logging.File, defaultCfg.Logging.File)

	// Metrics
	_, _ = cyan.Fprintln(w, "\n[metrics]")
	d.field("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled)
	d.field("  bind_address", cfg.Metrics.BindAddress, defaultCfg.Metrics.BindAddress)
	d.field("  port", cfg.Metrics.Port, defaultCfg.Metrics.Port)
	d.field("  textfile", cfg.Metrics.Textfile, defaultCfg.Metrics.Textfile)

	// Daemon
	_, _ = cyan.Fprintln(w, "\n[daemon]")
	d.field("  interval", cfg.Daemon.Interval, defaultCfg.Daemon.Interval)
	d.field("  watchdog", cfg.Daemon.Watchdog, defaultCfg.Daemon.Watchdog)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Fprintln(w, "\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(w, "  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
}

type dumper struct {
	w        io.Writer
	modified *color.Color
	unset    *color.Color
}

// field prints a field with color if it differs from default
func (d dumper) field(name string, value, defaultValue interface{}) {
	// Deep equal comparison
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = d.unset.Fprintf(d.w, "%s = %s\n", name, valueStr)
	} else {
		_, _ = d.modified.Fprintf(d.w, "%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
