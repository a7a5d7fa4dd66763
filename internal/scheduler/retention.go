package scheduler

import (
	"context"
	"time"

	"github.com/goodtune/avadhi/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// RetentionScheduler prunes old sync history once a day
type RetentionScheduler struct {
	history       storage.HistoryStore
	retentionDays int
	runAt         time.Time // Time of day to prune (only hour and minute are used)
	clock         clockwork.Clock
	logger        zerolog.Logger
	stopChan      chan struct{}
	done          chan struct{}
}

// NewRetentionScheduler creates a new retention scheduler. runAt is HH:MM
// local time.
func NewRetentionScheduler(history storage.HistoryStore, retentionDays int, runAt string, clock clockwork.Clock, logger zerolog.Logger) (*RetentionScheduler, error) {
	// Parse run time (HH:MM format)
	parsedTime, err := time.Parse("15:04", runAt)
	if err != nil {
		return nil, err
	}

	rs := &RetentionScheduler{
		history:       history,
		retentionDays: retentionDays,
		runAt:         parsedTime,
		clock:         clock,
		logger:        logger.With().Str("component", "retention-scheduler").Logger(),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	return rs, nil
}

// Start begins the retention scheduler
func (rs *RetentionScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("run_at", rs.runAt.Format("15:04")).
		Int("retention_days", rs.retentionDays).
		Msg("History retention scheduler started")
}

// Stop stops the retention scheduler
func (rs *RetentionScheduler) Stop() {
	close(rs.stopChan)
	<-rs.done
	rs.logger.Info().Msg("History retention scheduler stopped")
}

// run is the main scheduler loop
func (rs *RetentionScheduler) run() {
	defer close(rs.done)

	for {
		// Calculate next run time
		next := rs.calculateNextRun()
		wait := next.Sub(rs.clock.Now())

		rs.logger.Debug().
			Time("next_run", next).
			Dur("wait_duration", wait).
			Msg("Scheduled next history prune")

		timer := rs.clock.NewTimer(wait)
		select {
		case <-timer.Chan():
			_, _ = rs.Prune(context.Background())
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

// calculateNextRun calculates the next prune time
func (rs *RetentionScheduler) calculateNextRun() time.Time {
	now := rs.clock.Now()

	// Get today's run time
	todayRun := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.runAt.Hour(), rs.runAt.Minute(), 0, 0,
		now.Location(),
	)

	// If we've already passed today's run time, schedule for tomorrow
	if !now.Before(todayRun) {
		return todayRun.AddDate(0, 0, 1)
	}

	return todayRun
}

// Prune deletes history older than the retention period
func (rs *RetentionScheduler) Prune(ctx context.Context) (int, error) {
	if rs.retentionDays <= 0 {
		return 0, nil
	}

	cutoff := rs.clock.Now().AddDate(0, 0, -rs.retentionDays)

	deleted, err := rs.history.DeleteBefore(ctx, cutoff)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to prune sync history")
		return 0, err
	}

	rs.logger.Info().
		Int("records_deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Sync history pruned")

	return deleted, nil
}
