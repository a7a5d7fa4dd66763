// Package orchestrator drives one sync run: aggregate session history,
// publish the days not yet synced and advance the synced-date marker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/goodtune/avadhi/internal/auth"
	"github.com/goodtune/avadhi/internal/credentials"
	"github.com/goodtune/avadhi/internal/metrics"
	"github.com/goodtune/avadhi/internal/publish"
	"github.com/goodtune/avadhi/internal/sessionlog"
	"github.com/goodtune/avadhi/internal/span"
	"github.com/goodtune/avadhi/internal/storage"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Publisher upserts spans to the data endpoint.
type Publisher interface {
	Publish(ctx context.Context, s span.DailySpan) error
	PublishAll(ctx context.Context, spans []span.DailySpan) error
}

// Options change how a single run behaves.
type Options struct {
	// Batch sends every pending span in one request.
	Batch bool
	// DryRun computes pending spans without publishing or moving the marker.
	DryRun bool
}

// Result summarizes a run.
type Result struct {
	RunID     string
	Pending   []span.DailySpan
	Published int
	Marker    *civil.Date // marker after the run
	Advanced  bool        // marker changed during the run
}

// Orchestrator owns the credentials store for the duration of a run.
type Orchestrator struct {
	source    sessionlog.Source
	publisher Publisher
	store     *credentials.Store
	prompt    auth.Prompt
	history   storage.HistoryStore
	clock     clockwork.Clock
	location  *time.Location
	logger    zerolog.Logger
}

// New creates an orchestrator. prompt may be nil to disable interactive
// setup; history may be nil to skip journaling.
func New(
	source sessionlog.Source,
	publisher Publisher,
	store *credentials.Store,
	prompt auth.Prompt,
	history storage.HistoryStore,
	clock clockwork.Clock,
	location *time.Location,
	logger zerolog.Logger,
) *Orchestrator {
	if history == nil {
		history = storage.NewNop().History()
	}
	if location == nil {
		location = time.Local
	}
	return &Orchestrator{
		source:    source,
		publisher: publisher,
		store:     store,
		prompt:    prompt,
		history:   history,
		clock:     clock,
		location:  location,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
	}
}

// PendingSpans aggregates the session history and returns the spans on or
// after the stored marker, oldest first.
func (o *Orchestrator) PendingSpans(ctx context.Context) ([]span.DailySpan, error) {
	records, err := o.source.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read session history: %w", err)
	}

	spans := span.Aggregate(records)
	pending := span.Pending(spans, o.store.Get().LastSyncedDate)

	o.logger.Debug().
		Int("sessions", len(records)).
		Int("days", len(spans)).
		Int("pending", len(pending)).
		Msg("Session history aggregated")

	return pending, nil
}

// Run performs one sync. It stops at the first span that cannot be
// published; the marker still advances for the finalized days published
// before it.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Result, error) {
	result := Result{RunID: uuid.NewString()}
	logger := o.logger.With().Str("run_id", result.RunID).Logger()

	pending, err := o.PendingSpans(ctx)
	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues("failure").Inc()
		return result, err
	}
	result.Pending = pending
	result.Marker = o.store.Get().LastSyncedDate

	if len(pending) == 0 {
		logger.Info().Msg("No new work span data to publish")
		metrics.SyncRunsTotal.WithLabelValues("noop").Inc()
		return result, nil
	}

	if opts.DryRun {
		for _, s := range pending {
			o.record(ctx, logger, result.RunID, s, false, storage.OutcomeSkipped, nil)
		}
		logger.Info().Int("pending", len(pending)).Msg("Dry run, nothing published")
		metrics.SyncRunsTotal.WithLabelValues("dry_run").Inc()
		return result, nil
	}

	today := civil.DateOf(o.clock.Now().In(o.location))
	stored := o.store.Get().LastSyncedDate
	candidate := stored

	advance := func(d civil.Date) {
		if !span.Finalized(d, today) {
			return
		}
		if candidate == nil || d.After(*candidate) {
			d := d
			candidate = &d
		}
	}

	var runErr error
	if opts.Batch {
		runErr = o.withSetup(ctx, logger, func() error {
			return o.publisher.PublishAll(ctx, pending)
		})
		for _, s := range pending {
			if runErr == nil {
				advance(s.Date)
			}
			o.record(ctx, logger, result.RunID, s, runErr == nil && span.Finalized(s.Date, today), outcomeOf(runErr), runErr)
		}
		if runErr == nil {
			result.Published = len(pending)
		}
	} else {
		for _, s := range pending {
			if err := ctx.Err(); err != nil {
				runErr = err
				break
			}

			err := o.withSetup(ctx, logger, func() error {
				return o.publisher.Publish(ctx, s)
			})
			finalized := err == nil && span.Finalized(s.Date, today)
			o.record(ctx, logger, result.RunID, s, finalized, outcomeOf(err), err)

			if err != nil {
				runErr = fmt.Errorf("failed to publish %s: %w", s.Date, err)
				logger.Error().Err(err).Str("date", s.Date.String()).
					Int("remaining", len(pending)-result.Published-1).
					Msg("Publish failed, stopping run")
				break
			}

			result.Published++
			advance(s.Date)
			if !finalized {
				logger.Info().Str("date", s.Date.String()).Msg("Published today's span; it will be re-sent on a later run")
			}
		}
	}

	if !sameDate(candidate, stored) {
		if err := o.store.SetLastSyncedDate(candidate); err != nil {
			logger.Warn().Err(err).Msg("Marker could not be persisted, continuing with in-memory copy")
		}
		result.Advanced = true
		logger.Info().Str("marker", candidate.String()).Msg("Synced-date marker advanced")
	}
	result.Marker = o.store.Get().LastSyncedDate
	if result.Marker != nil {
		metrics.LastFinalizedDate.Set(float64(result.Marker.In(time.UTC).Unix()))
	}

	switch {
	case runErr == nil:
		metrics.SyncRunsTotal.WithLabelValues("success").Inc()
		logger.Info().Int("published", result.Published).Msg("Sync run complete")
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		metrics.SyncRunsTotal.WithLabelValues("cancelled").Inc()
	default:
		metrics.SyncRunsTotal.WithLabelValues("failure").Inc()
	}

	return result, runErr
}

// withSetup runs fn and, if it fails only because credentials are missing,
// runs interactive setup once and tries again.
func (o *Orchestrator) withSetup(ctx context.Context, logger zerolog.Logger, fn func() error) error {
	err := fn()

	var pe *publish.Error
	if !errors.As(err, &pe) || pe.Kind != publish.KindConfigIncomplete || o.prompt == nil {
		return err
	}
	for _, field := range pe.Missing {
		if field == "api.url" {
			return err
		}
	}

	logger.Warn().Strs("missing", pe.Missing).Msg("Credentials incomplete, starting interactive setup")

	creds, promptErr := o.prompt.Prompt(ctx, o.store.Get())
	if promptErr != nil {
		return fmt.Errorf("%w: %v", err, promptErr)
	}
	if err := o.store.Adopt(creds); err != nil {
		logger.Warn().Err(err).Msg("Credentials from setup could not be persisted, continuing with in-memory copy")
	}

	return fn()
}

func (o *Orchestrator) record(ctx context.Context, logger zerolog.Logger, runID string, s span.DailySpan, finalized bool, outcome storage.Outcome, cause error) {
	rec := storage.SyncRecord{
		RunID:     runID,
		Date:      s.Date.String(),
		Minutes:   s.TotalMinutes,
		Finalized: finalized,
		Outcome:   outcome,
		At:        o.clock.Now(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	// Journal writes must not be cut short by a cancelled run.
	if err := o.history.Record(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn().Err(err).Str("date", rec.Date).Msg("Failed to record sync history")
	}
}

func outcomeOf(err error) storage.Outcome {
	if err != nil {
		return storage.OutcomeFailed
	}
	return storage.OutcomePublished
}

func sameDate(a, b *civil.Date) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
