package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goodtune/avadhi/internal/credentials"
	"github.com/goodtune/avadhi/internal/httpbody"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const credsPath = "/creds/credentials.toml"

func newStore(t *testing.T, fs afero.Fs, c credentials.Credentials) *credentials.Store {
	t.Helper()
	store := credentials.Open(fs, credsPath, zerolog.Nop())
	require.NoError(t, store.Adopt(c))
	return store
}

func newTestRefresher(srv *httptest.Server) *Refresher {
	return NewRefresher(srv.Client(), Config{
		BaseURL:  srv.URL,
		AuthPath: "/auth/v1",
		AnonKey:  "anon",
	}, zerolog.Nop())
}

func TestTokenURL(t *testing.T) {
	got, err := Config{BaseURL: "https://db.example.co/", AuthPath: "/auth/v1", AnonKey: "k"}.TokenURL()
	require.NoError(t, err)
	assert.Equal(t, "https://db.example.co/auth/v1/token?apikey=k&grant_type=refresh_token", got)
}

func TestRefresh_Success(t *testing.T) {
	var gotBody refreshRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		_ = json.NewEncoder(w).Encode(refreshResponse{AccessToken: "a2", RefreshToken: "r2"})
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	store := newStore(t, fs, credentials.Credentials{UserID: "u", AccessToken: "a1", RefreshToken: "r1"})

	creds, err := newTestRefresher(srv).Refresh(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, "r1", gotBody.RefreshToken)
	assert.Equal(t, "a2", creds.AccessToken)
	assert.Equal(t, "r2", creds.RefreshToken)

	// Persisted before returning.
	onDisk := credentials.Open(fs, credsPath, zerolog.Nop()).Get()
	assert.Equal(t, "a2", onDisk.AccessToken)
	assert.Equal(t, "r2", onDisk.RefreshToken)
}

func TestRefresh_MissingRefreshToken(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	store := newStore(t, afero.NewMemMapFs(), credentials.Credentials{UserID: "u", AccessToken: "a1"})

	_, err := newTestRefresher(srv).Refresh(context.Background(), store)
	require.ErrorIs(t, err, ErrMissingRefreshToken)
	assert.False(t, called)

	var re *RefreshError
	require.True(t, errors.As(err, &re))
	assert.True(t, re.Fatal())
}

func TestRefresh_MalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing refresh token", `{"access_token":"a2"}`},
		{"missing access token", `{"refresh_token":"r2"}`},
		{"not json", `<html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			store := newStore(t, afero.NewMemMapFs(), credentials.Credentials{UserID: "u", AccessToken: "a1", RefreshToken: "r1"})

			_, err := newTestRefresher(srv).Refresh(context.Background(), store)
			require.ErrorIs(t, err, ErrMalformedRefreshResponse)

			// Nothing adopted from a partial exchange.
			assert.Equal(t, "a1", store.Get().AccessToken)
			assert.Equal(t, "r1", store.Get().RefreshToken)
		})
	}
}

func TestRefresh_Exhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":"refresh_token_already_used","msg":"Invalid Refresh Token: Already Used"}`))
	}))
	defer srv.Close()

	store := newStore(t, afero.NewMemMapFs(), credentials.Credentials{UserID: "u", AccessToken: "a1", RefreshToken: "r1"})

	_, err := newTestRefresher(srv).Refresh(context.Background(), store)
	require.ErrorIs(t, err, ErrRefreshTokenExhausted)

	var re *RefreshError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusBadRequest, re.Status)
	assert.True(t, re.Fatal())
}

func TestRefresh_FailedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 2000)))
	}))
	defer srv.Close()

	store := newStore(t, afero.NewMemMapFs(), credentials.Credentials{UserID: "u", AccessToken: "a1", RefreshToken: "r1"})

	_, err := newTestRefresher(srv).Refresh(context.Background(), store)
	require.ErrorIs(t, err, ErrRefreshFailed)

	var re *RefreshError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusInternalServerError, re.Status)
	assert.LessOrEqual(t, len(re.Body), httpbody.MaxBytes+3)
	assert.False(t, re.Fatal())
}

func TestRefresh_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	refresher := newTestRefresher(srv)
	srv.Close()

	store := newStore(t, afero.NewMemMapFs(), credentials.Credentials{UserID: "u", AccessToken: "a1", RefreshToken: "r1"})

	_, err := refresher.Refresh(context.Background(), store)
	require.ErrorIs(t, err, ErrRefreshFailed)

	var re *RefreshError
	require.True(t, errors.As(err, &re))
	assert.Zero(t, re.Status)
	assert.Error(t, re.Err)
}

func TestRefresh_PersistFailureStillSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(refreshResponse{AccessToken: "a2", RefreshToken: "r2"})
	}))
	defer srv.Close()

	base := afero.NewMemMapFs()
	newStore(t, base, credentials.Credentials{UserID: "u", AccessToken: "a1", RefreshToken: "r1"})
	store := credentials.Open(afero.NewReadOnlyFs(base), credsPath, zerolog.Nop())

	creds, err := newTestRefresher(srv).Refresh(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "r2", creds.RefreshToken)
	assert.Equal(t, "r2", store.Get().RefreshToken)
}
