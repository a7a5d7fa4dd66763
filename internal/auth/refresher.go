// Package auth manages the bearer/refresh token lifecycle against the
// datastore's authentication endpoint.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goodtune/avadhi/internal/credentials"
	"github.com/goodtune/avadhi/internal/httpbody"
	"github.com/goodtune/avadhi/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// exhaustedMarker appears in the error body when a single-use refresh
	// token has already been exchanged.
	exhaustedMarker = "refresh_token_already_used"
)

// Config locates the authentication endpoint.
type Config struct {
	BaseURL  string // e.g. https://project.example.co
	AuthPath string // e.g. /auth/v1
	AnonKey  string
}

// TokenURL returns the refresh-token grant URL.
func (c Config) TokenURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.BaseURL, "/") + c.AuthPath + "/token")
	if err != nil {
		return "", fmt.Errorf("invalid auth endpoint: %w", err)
	}

	q := u.Query()
	q.Set("grant_type", "refresh_token")
	if c.AnonKey != "" {
		q.Set("apikey", c.AnonKey)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Refresher exchanges a refresh token for a new access/refresh pair.
type Refresher struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// NewRefresher creates a refresher using httpClient for the exchange.
func NewRefresher(httpClient *http.Client, config Config, logger zerolog.Logger) *Refresher {
	return &Refresher{
		httpClient: httpClient,
		config:     config,
		logger:     logger.With().Str("component", "token-refresher").Logger(),
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges the stored refresh token. On success both new tokens are
// written into the store and persisted before returning, so the single-use
// token is never held only in memory.
func (r *Refresher) Refresh(ctx context.Context, store *credentials.Store) (credentials.Credentials, error) {
	creds, err := r.refresh(ctx, store)
	if err != nil {
		kind := KindRefreshFailed
		var re *RefreshError
		if errors.As(err, &re) {
			kind = re.Kind
		}
		metrics.TokenRefreshesTotal.WithLabelValues(string(kind)).Inc()
		return credentials.Credentials{}, err
	}

	metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
	return creds, nil
}

func (r *Refresher) refresh(ctx context.Context, store *credentials.Store) (credentials.Credentials, error) {
	current := store.Get()
	if current.RefreshToken == "" {
		return credentials.Credentials{}, &RefreshError{Kind: KindMissingRefreshToken}
	}

	tokenURL, err := r.config.TokenURL()
	if err != nil {
		return credentials.Credentials{}, &RefreshError{Kind: KindRefreshFailed, Err: err}
	}

	payload, err := json.Marshal(refreshRequest{RefreshToken: current.RefreshToken})
	if err != nil {
		return credentials.Credentials{}, &RefreshError{Kind: KindRefreshFailed, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(payload))
	if err != nil {
		return credentials.Credentials{}, &RefreshError{Kind: KindRefreshFailed, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.AnonKey != "" {
		req.Header.Set("apikey", r.config.AnonKey)
	}

	r.logger.Info().Msg("Refreshing access token")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Error().Err(err).Msg("Token refresh request failed")
		return credentials.Credentials{}, &RefreshError{Kind: KindRefreshFailed, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return credentials.Credentials{}, &RefreshError{Kind: KindRefreshFailed, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := httpbody.Truncate(string(body))
		if strings.Contains(string(body), exhaustedMarker) {
			r.logger.Error().
				Int("status", resp.StatusCode).
				Msg("Refresh token was already used, interactive re-authentication required")
			return credentials.Credentials{}, &RefreshError{Kind: KindRefreshTokenExhausted, Status: resp.StatusCode, Body: text}
		}

		r.logger.Error().
			Int("status", resp.StatusCode).
			Str("body", text).
			Msg("Token refresh rejected")
		return credentials.Credentials{}, &RefreshError{Kind: KindRefreshFailed, Status: resp.StatusCode, Body: text}
	}

	var decoded refreshResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return credentials.Credentials{}, &RefreshError{Kind: KindMalformedRefreshResponse, Status: resp.StatusCode, Err: err}
	}

	// A new access token without its matching refresh token is useless: the
	// old refresh token may already be burned server-side.
	if decoded.AccessToken == "" || decoded.RefreshToken == "" {
		return credentials.Credentials{}, &RefreshError{Kind: KindMalformedRefreshResponse, Status: resp.StatusCode}
	}

	if err := store.SetTokens(decoded.AccessToken, decoded.RefreshToken); err != nil {
		r.logger.Warn().Err(err).Msg("New tokens could not be persisted, continuing with in-memory copy")
	}

	r.logger.Info().Msg("Tokens refreshed and saved")
	return store.Get(), nil
}
