// Package publish upserts daily spans to the data endpoint, retrying
// transient failures and recovering expired authentication.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goodtune/avadhi/internal/auth"
	"github.com/goodtune/avadhi/internal/credentials"
	"github.com/goodtune/avadhi/internal/httpbody"
	"github.com/goodtune/avadhi/internal/metrics"
	"github.com/goodtune/avadhi/internal/span"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxRetries bounds transient failures per logical publish.
	DefaultMaxRetries = 3

	// DefaultBackoffBase is the first backoff wait; each later wait doubles.
	DefaultBackoffBase = 2 * time.Second
)

// Endpoint locates the data table.
type Endpoint struct {
	BaseURL  string
	RestPath string // e.g. /rest/v1
	Table    string
	AnonKey  string
}

// URL returns the table's upsert URL.
func (e Endpoint) URL() (string, error) {
	raw := strings.TrimRight(e.BaseURL, "/") + e.RestPath + "/" + e.Table
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid data endpoint: %w", err)
	}
	return u.String(), nil
}

// TokenRefresher exchanges the stored refresh token for a new pair.
type TokenRefresher interface {
	Refresh(ctx context.Context, store *credentials.Store) (credentials.Credentials, error)
}

// Sleeper waits between retries. Sleep returns early with ctx's error when
// ctx is cancelled.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ClockSleeper sleeps on a clockwork clock.
type ClockSleeper struct {
	Clock clockwork.Clock
}

// Sleep implements Sleeper.
func (s ClockSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := s.Clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// Config tunes a Publisher.
type Config struct {
	Endpoint    Endpoint
	MaxRetries  int
	BackoffBase time.Duration
	Limiter     *rate.Limiter // optional pacing between requests
	Sleeper     Sleeper       // defaults to the real clock
}

// Publisher posts spans for the credentials held in a store.
type Publisher struct {
	httpClient  *http.Client
	store       *credentials.Store
	refresher   TokenRefresher
	prompt      auth.Prompt
	endpoint    Endpoint
	maxRetries  int
	backoffBase time.Duration
	limiter     *rate.Limiter
	sleeper     Sleeper
	logger      zerolog.Logger
}

// NewPublisher creates a publisher. prompt may be nil, in which case the
// interactive fallback always fails.
func NewPublisher(httpClient *http.Client, store *credentials.Store, refresher TokenRefresher, prompt auth.Prompt, cfg Config, logger zerolog.Logger) *Publisher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = ClockSleeper{Clock: clockwork.NewRealClock()}
	}

	return &Publisher{
		httpClient:  httpClient,
		store:       store,
		refresher:   refresher,
		prompt:      prompt,
		endpoint:    cfg.Endpoint,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		limiter:     cfg.Limiter,
		sleeper:     cfg.Sleeper,
		logger:      logger.With().Str("component", "publisher").Logger(),
	}
}

// row is the wire form of one span.
type row struct {
	UserID           string `json:"user_id,omitempty"`
	Date             string `json:"date"`
	TotalSpanMinutes int    `json:"total_span_minutes"`
	TotalSpan        string `json:"total_span"`
	FirstBoot        string `json:"first_boot"`
	LastShutdown     string `json:"last_shutdown"`
}

func newRow(userID string, s span.DailySpan) row {
	return row{
		UserID:           userID,
		Date:             s.Date.String(),
		TotalSpanMinutes: s.TotalMinutes,
		TotalSpan:        s.TotalLabel,
		FirstBoot:        s.FirstBootString(),
		LastShutdown:     s.LastShutdownString(),
	}
}

// Publish upserts a single span.
func (p *Publisher) Publish(ctx context.Context, s span.DailySpan) error {
	return p.run(ctx, []span.DailySpan{s}, false)
}

// PublishAll upserts spans in one request. An empty slice is a no-op.
func (p *Publisher) PublishAll(ctx context.Context, spans []span.DailySpan) error {
	if len(spans) == 0 {
		return nil
	}
	return p.run(ctx, spans, true)
}

// response is what one send observed.
type response struct {
	status  int
	body    string
	err     error
	readErr error
}

func (p *Publisher) run(ctx context.Context, spans []span.DailySpan, batch bool) error {
	if err := p.checkConfig(); err != nil {
		return err
	}

	target, err := p.endpoint.URL()
	if err != nil {
		return &Error{Kind: KindConfigIncomplete, Err: err}
	}

	logger := p.logger.With().
		Str("first_date", spans[0].Date.String()).
		Int("spans", len(spans)).
		Logger()

	bo := p.newBackOff()
	status := Start(p.maxRetries)
	attempts := 0
	var last response
	var authErr error

	for {
		var outcome Outcome

		switch status.State {
		case Succeeded:
			metrics.SpansPublishedTotal.Add(float64(len(spans)))
			logger.Info().Int("attempts", attempts).Msg("Spans published")
			return nil

		case Failed:
			return p.failure(status, last, attempts, authErr)

		case Sending:
			if status.Backoff {
				wait := bo.NextBackOff()
				logger.Warn().
					Dur("wait", wait).
					Int("retry", status.Retries).
					Int("max_retries", status.MaxRetries).
					Msg("Transient failure, backing off")
				if err := p.sleeper.Sleep(ctx, wait); err != nil {
					return err
				}
			}

			attempts++
			last = p.send(ctx, target, spans, batch)
			if err := ctx.Err(); err != nil {
				return err
			}

			if last.err != nil {
				outcome = NetworkError
				logger.Warn().Err(last.err).Int("attempt", attempts).Msg("Publish request failed")
			} else {
				outcome = Classify(last.status)
				logger.Info().
					Int("attempt", attempts).
					Int("status", last.status).
					Str("outcome", outcome.String()).
					Msg("Publish response")
			}
			metrics.PublishAttemptsTotal.WithLabelValues(outcome.String()).Inc()

			if outcome == Unauthorized {
				bo.Reset()
			}

		case AwaitingRefresh:
			if _, err := p.refresher.Refresh(ctx, p.store); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				authErr = err
				outcome = RefreshFailed
				logger.Warn().Err(err).Msg("Token refresh failed, falling back to interactive setup")
			} else {
				outcome = Refreshed
			}

		case AwaitingManualAuth:
			outcome = p.manualAuth(ctx, logger)
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		next, err := Transition(status, outcome)
		if err != nil {
			return err
		}
		status = next
	}
}

func (p *Publisher) manualAuth(ctx context.Context, logger zerolog.Logger) Outcome {
	if p.prompt == nil {
		logger.Error().Msg("Re-authentication required but no interactive prompt is available")
		return ManualAuthFailed
	}

	creds, err := p.prompt.Prompt(ctx, p.store.Get())
	if err != nil {
		logger.Error().Err(err).Msg("Interactive setup failed")
		return ManualAuthFailed
	}
	if creds.UserID == "" {
		creds.UserID = p.store.Get().UserID
	}
	if creds.UserID == "" || creds.AccessToken == "" {
		logger.Error().
			Bool("user_id", creds.UserID != "").
			Bool("access_token", creds.AccessToken != "").
			Msg("Interactive setup returned incomplete credentials")
		return ManualAuthFailed
	}

	if err := p.store.Adopt(creds); err != nil {
		logger.Warn().Err(err).Msg("Credentials from setup could not be persisted, continuing with in-memory copy")
	}
	return ManualAuthOK
}

func (p *Publisher) checkConfig() error {
	var missing []string
	if p.endpoint.BaseURL == "" {
		missing = append(missing, "api.url")
	}

	creds := p.store.Get()
	if creds.UserID == "" {
		missing = append(missing, "user_id")
	}
	if creds.AccessToken == "" {
		missing = append(missing, "access_token")
	}

	if len(missing) > 0 {
		return &Error{Kind: KindConfigIncomplete, Missing: missing}
	}
	return nil
}

// send performs one request with the current credentials, rebuilding the
// payload so a changed identity after setup is honoured.
func (p *Publisher) send(ctx context.Context, target string, spans []span.DailySpan, batch bool) response {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return response{err: err}
		}
	}

	creds := p.store.Get()

	var payload any
	if batch {
		rows := make([]row, 0, len(spans))
		for _, s := range spans {
			rows = append(rows, newRow(creds.UserID, s))
		}
		payload = rows
	} else {
		payload = newRow(creds.UserID, spans[0])
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return response{err: fmt.Errorf("failed to marshal spans: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return response{err: err}
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates")
	if p.endpoint.AnonKey != "" {
		req.Header.Set("apikey", p.endpoint.AnonKey)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	metrics.PublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return response{err: err}
	}
	defer resp.Body.Close()

	text, err := httpbody.Read(resp.Body)
	if err != nil {
		p.logger.Warn().Err(err).Int("status", resp.StatusCode).Msg("Response body could not be read in full")
	}
	return response{status: resp.StatusCode, body: text, readErr: err}
}

func (p *Publisher) failure(status Status, last response, attempts int, authErr error) error {
	e := &Error{
		Kind:     status.Failure,
		Status:   last.status,
		Body:     last.body,
		Attempts: attempts,
	}

	switch status.Failure {
	case KindNetworkExhausted:
		e.Err = last.err
	case KindRejected:
		e.Hint = hintFor(last.body)
		e.Err = last.readErr
	case KindServerExhausted:
		e.Err = last.readErr
	case KindAuthExhausted:
		e.Err = authErr
	}

	p.logger.Error().Err(e).Str("kind", string(e.Kind)).Msg("Publish failed")
	return e
}

// newBackOff yields BackoffBase, then doubling waits, without jitter.
func (p *Publisher) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.backoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = p.backoffBase << 10
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
