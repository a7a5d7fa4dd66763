package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goodtune/avadhi/internal/auth"
	"github.com/goodtune/avadhi/internal/config"
	"github.com/goodtune/avadhi/internal/credentials"
	"github.com/goodtune/avadhi/internal/orchestrator"
	"github.com/goodtune/avadhi/internal/publish"
	"github.com/goodtune/avadhi/internal/sessionlog"
	"github.com/goodtune/avadhi/internal/storage"
	"github.com/goodtune/avadhi/internal/storage/redis"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

// app is the wired sync pipeline shared by the commands.
type app struct {
	creds        *credentials.Store
	orchestrator *orchestrator.Orchestrator
}

// newApp wires the session source, credentials, refresher and publisher.
// prompt may be nil when no terminal is available.
func newApp(cfg *config.Config, history storage.HistoryStore, prompt auth.Prompt, logger zerolog.Logger) (*app, error) {
	fs := afero.NewOsFs()
	clock := clockwork.NewRealClock()

	source, err := sessionlog.NewSource(cfg.Sessions, fs, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session source: %w", err)
	}

	creds := credentials.Open(fs, cfg.Credentials.Path, logger)
	httpClient := &http.Client{Timeout: cfg.API.TimeoutDuration()}

	refresher := auth.NewRefresher(httpClient, auth.Config{
		BaseURL:  cfg.API.URL,
		AuthPath: cfg.API.AuthPath,
		AnonKey:  cfg.API.AnonKey,
	}, logger)

	var limiter *rate.Limiter
	if cfg.API.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.API.RateLimit), 1)
	}

	publisher := publish.NewPublisher(httpClient, creds, refresher, prompt, publish.Config{
		Endpoint: publish.Endpoint{
			BaseURL:  cfg.API.URL,
			RestPath: cfg.API.RestPath,
			Table:    cfg.API.Table,
			AnonKey:  cfg.API.AnonKey,
		},
		MaxRetries:  cfg.API.MaxRetries,
		BackoffBase: cfg.API.BackoffBaseDuration(),
		Limiter:     limiter,
		Sleeper:     publish.ClockSleeper{Clock: clock},
	}, logger)

	return &app{
		creds:        creds,
		orchestrator: orchestrator.New(source, publisher, creds, prompt, history, clock, time.Local, logger),
	}, nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "none":
		return storage.NewNop(), nil
	case "redis":
		retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
		return redis.Open(cfg.Redis, retention)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be 'none' or 'redis')", cfg.Type)
	}
}
