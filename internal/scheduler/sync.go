// Package scheduler runs the periodic sync job and daily history pruning
// for the daemon.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// SyncScheduler runs a job immediately and then every interval. Runs never
// overlap; triggers that arrive while a run is in flight collapse into one
// follow-up run.
type SyncScheduler struct {
	job      Job
	interval time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger

	trigger  chan struct{}
	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSyncScheduler creates a new sync scheduler
func NewSyncScheduler(job Job, interval time.Duration, clock clockwork.Clock, logger zerolog.Logger) *SyncScheduler {
	return &SyncScheduler{
		job:      job,
		interval: interval,
		clock:    clock,
		logger:   logger.With().Str("component", "sync-scheduler").Logger(),
		trigger:  make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the scheduler loop. Cancelling ctx or calling Stop ends it
// and cancels any run in flight.
func (s *SyncScheduler) Start(ctx context.Context) {
	go s.run(ctx)
	s.logger.Info().
		Dur("interval", s.interval).
		Msg("Sync scheduler started")
}

// Trigger requests an immediate run.
func (s *SyncScheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop stops the scheduler and waits for the loop to exit
func (s *SyncScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.done
	s.logger.Info().Msg("Sync scheduler stopped")
}

// Done is closed once the loop has exited.
func (s *SyncScheduler) Done() <-chan struct{} {
	return s.done
}

// run is the main scheduler loop
func (s *SyncScheduler) run(ctx context.Context) {
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		s.runOnce(ctx)

		timer := s.clock.NewTimer(s.interval)
		s.logger.Debug().
			Time("next_run", s.clock.Now().Add(s.interval)).
			Msg("Scheduled next sync")

		select {
		case <-timer.Chan():
		case <-s.trigger:
			timer.Stop()
			s.logger.Info().Msg("Sync triggered")
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *SyncScheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	start := s.clock.Now()
	if err := s.job(ctx); err != nil {
		s.logger.Error().Err(err).Dur("duration", s.clock.Since(start)).Msg("Scheduled sync failed")
		return
	}
	s.logger.Debug().Dur("duration", s.clock.Since(start)).Msg("Scheduled sync finished")
}
