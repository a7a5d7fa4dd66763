package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/goodtune/avadhi/internal/auth"
	"github.com/goodtune/avadhi/internal/config"
	"github.com/goodtune/avadhi/internal/credentials"
	"github.com/goodtune/avadhi/internal/metrics"
	"github.com/goodtune/avadhi/internal/orchestrator"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	syncBatch   bool
	syncDryRun  bool
	syncLogFile string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Publish pending daily work spans",
	Long: `Aggregate the boot/shutdown history into daily spans and publish every day
on or after the last synced date. Days before today are finalized and move the
synced-date marker; today is sent again on the next run.`,
	Example: `  avadhi sync
  avadhi sync --batch
  avadhi --config ./config.toml sync --dry-run`,
	RunE: runSync,
}

func init() {
	addSyncFlags(syncCmd)
	rootCmd.AddCommand(syncCmd)
}

func addSyncFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&syncBatch, "batch", false, "Publish all pending days in a single request")
	cmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Show pending days without publishing")
	cmd.Flags().StringVar(&syncLogFile, "log-file", "", "Write logs to this file instead of stderr")
}

func runSync(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if syncLogFile != "" {
		cfg.Logging.File = syncLogFile
	}

	// Setup logger
	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	log.Logger = logger

	logger.Debug().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting sync")

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	unlock, err := credentials.Lock(ctx, cfg.Credentials.Path)
	if err != nil {
		return err
	}
	defer func() { _ = unlock() }()

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	a, err := newApp(cfg, store.History(), auth.NewTerminalPrompt(cfg.API.WebAppURL, logger), logger)
	if err != nil {
		return err
	}

	result, runErr := a.orchestrator.Run(ctx, orchestrator.Options{
		Batch:  syncBatch,
		DryRun: syncDryRun,
	})

	writeTextfile(cfg.Metrics.Textfile, logger)
	printSyncResult(os.Stdout, result, syncDryRun)

	if runErr != nil {
		return fmt.Errorf("sync failed: %w", runErr)
	}
	return nil
}

func writeTextfile(path string, logger zerolog.Logger) {
	if path == "" {
		return
	}
	if err := metrics.WriteTextfile(path); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Failed to write metrics textfile")
	}
}

// printSyncResult summarizes a run for the terminal
func printSyncResult(w io.Writer, result orchestrator.Result, dryRun bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if len(result.Pending) == 0 {
		_, _ = green.Fprintln(w, "Nothing to publish, already up to date")
		return
	}

	if dryRun {
		_, _ = cyan.Fprintf(w, "%d pending day(s):\n", len(result.Pending))
		for _, s := range result.Pending {
			_, _ = fmt.Fprintf(w, "  %s  %s  %s - %s\n", s.Date, s.TotalLabel, s.FirstBootString(), s.LastShutdownString())
		}
		return
	}

	_, _ = green.Fprintf(w, "Published %d of %d pending day(s)\n", result.Published, len(result.Pending))
	if result.Advanced && result.Marker != nil {
		_, _ = fmt.Fprintf(w, "Synced through %s\n", result.Marker.String())
	} else if result.Published < len(result.Pending) {
		_, _ = yellow.Fprintln(w, "Synced-date marker unchanged")
	}
}

// interruptContext returns a context cancelled by SIGINT or SIGTERM.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
