package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/avadhi/internal/config"
	"github.com/goodtune/avadhi/internal/credentials"
	"github.com/goodtune/avadhi/internal/metrics"
	"github.com/goodtune/avadhi/internal/orchestrator"
	"github.com/goodtune/avadhi/internal/scheduler"
	"github.com/goodtune/avadhi/internal/systemd"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// pruneTime is when sync history older than the retention period is deleted.
const pruneTime = "03:00"

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Sync periodically",
	Long: `Run a sync immediately and then every daemon.interval. SIGHUP starts a sync
right away; SIGINT and SIGTERM cancel any sync in progress and exit. Serves
Prometheus metrics and reports readiness and liveness to systemd.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().BoolVar(&syncBatch, "batch", false, "Publish all pending days in a single request")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Avadhi daemon")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

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

	logger.Info().
		Str("type", cfg.Storage.Type).
		Int("retention_days", cfg.Storage.RetentionDays).
		Msg("Storage initialized")

	// No terminal to prompt on; expired credentials fail the run until
	// 'avadhi login' is used.
	a, err := newApp(cfg, store.History(), nil, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	clock := clockwork.NewRealClock()

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled || sdListeners.Metrics != nil {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		// Use systemd socket-activated listener if available
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	// Initialize Sync Scheduler
	syncScheduler := scheduler.NewSyncScheduler(
		syncJob(a, cfg.Credentials.Path, orchestrator.Options{Batch: syncBatch}, logger),
		cfg.Daemon.IntervalDuration(),
		clock,
		logger,
	)

	// Initialize Retention Scheduler
	var retentionScheduler *scheduler.RetentionScheduler
	if cfg.Storage.Type != "none" && cfg.Storage.RetentionDays > 0 {
		retentionScheduler, err = scheduler.NewRetentionScheduler(
			store.History(),
			cfg.Storage.RetentionDays,
			pruneTime,
			clock,
			logger,
		)
		if err != nil {
			return fmt.Errorf("failed to initialize Retention Scheduler: %w", err)
		}
		retentionScheduler.Start()
	}

	syncScheduler.Start(ctx)

	// Watchdog keepalive
	if interval := systemd.WatchdogInterval(); cfg.Daemon.Watchdog && interval > 0 {
		go watchdog(ctx, clock, interval, logger)
		logger.Info().Dur("interval", interval).Msg("systemd watchdog enabled")
	}

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	logger.Info().
		Dur("interval", cfg.Daemon.IntervalDuration()).
		Msg("Avadhi daemon startup complete")

	// Wait for signals (shutdown or sync now)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	// Signal handling loop
	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			logger.Info().Msg("SIGHUP received, starting sync")
			syncScheduler.Trigger()
			// Continue running
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			// Break out of loop to shutdown
		}

		// Only reached on shutdown signals
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Cancels an in-flight sync, including one waiting out a backoff
	cancel()
	syncScheduler.Stop()

	if retentionScheduler != nil {
		retentionScheduler.Stop()
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("Avadhi daemon stopped")

	return nil
}

// syncJob runs one orchestrated sync under the credentials lock, reloading
// the credentials file first.
func syncJob(a *app, credentialsPath string, opts orchestrator.Options, logger zerolog.Logger) scheduler.Job {
	return func(ctx context.Context) error {
		unlock, err := credentials.Lock(ctx, credentialsPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := unlock(); err != nil {
				logger.Warn().Err(err).Msg("Failed to release credentials lock")
			}
		}()

		a.creds.Reload()

		result, err := a.orchestrator.Run(ctx, opts)
		status := fmt.Sprintf("Last sync %s: %d of %d day(s) published",
			time.Now().Format(time.RFC3339), result.Published, len(result.Pending))
		if err != nil {
			status = fmt.Sprintf("Last sync %s failed: %v", time.Now().Format(time.RFC3339), err)
		}
		if notifyErr := systemd.NotifyStatus(status); notifyErr != nil {
			logger.Debug().Err(notifyErr).Msg("Failed to send systemd status")
		}

		return err
	}
}

// watchdog pings the systemd watchdog until ctx is cancelled
func watchdog(ctx context.Context, clock clockwork.Clock, interval time.Duration, logger zerolog.Logger) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		}
	}
}
