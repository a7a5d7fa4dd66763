// Package credentials owns the persisted authentication state and the
// last-synced-date marker.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/civil"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Credentials is the user's identity, token pair and sync marker.
type Credentials struct {
	UserID         string
	AccessToken    string
	RefreshToken   string
	LastSyncedDate *civil.Date
}

// Missing lists the identity and token fields that are empty.
func (c Credentials) Missing() []string {
	var missing []string
	if c.UserID == "" {
		missing = append(missing, "user_id")
	}
	if c.AccessToken == "" {
		missing = append(missing, "access_token")
	}
	if c.RefreshToken == "" {
		missing = append(missing, "refresh_token")
	}
	return missing
}

// Complete reports whether identity and both tokens are present.
func (c Credentials) Complete() bool {
	return len(c.Missing()) == 0
}

// document is the on-disk layout.
type document struct {
	UserID         string `toml:"user_id,omitempty"`
	AccessToken    string `toml:"access_token,omitempty"`
	RefreshToken   string `toml:"refresh_token,omitempty"`
	LastSyncedDate string `toml:"last_synced_date,omitempty"`
}

// Store is the single mutable owner of Credentials. Every mutation is
// written through to the backing file before the setter returns.
//
// A Store is not safe for concurrent use; one orchestration run owns it.
type Store struct {
	fs     afero.Fs
	path   string
	logger zerolog.Logger
	creds  Credentials
}

// Open creates a store backed by path and loads its current contents.
func Open(fs afero.Fs, path string, logger zerolog.Logger) *Store {
	s := &Store{
		fs:     fs,
		path:   path,
		logger: logger.With().Str("component", "credentials").Logger(),
	}
	s.creds = s.Load()
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the backing file. A missing or unreadable file yields empty
// credentials; it never blocks a run.
func (s *Store) Load() Credentials {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info().Str("path", s.path).Msg("Credentials file not found, starting empty")
		} else {
			s.logger.Error().Err(err).Str("path", s.path).Msg("Failed to read credentials file")
		}
		return Credentials{}
	}

	creds, err := decode(data)
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("Failed to parse credentials file")
		return Credentials{}
	}

	s.logger.Debug().Str("path", s.path).Msg("Credentials loaded")
	return creds
}

// Reload replaces the in-memory credentials with the file's contents. Used
// by long-running processes before each run so edits made by another
// process under the lock are picked up.
func (s *Store) Reload() {
	s.creds = s.Load()
}

// Save writes the in-memory credentials to disk. Failures are logged and
// returned; the in-memory state stays authoritative either way.
func (s *Store) Save() error {
	data, err := encode(s.creds)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode credentials")
		return err
	}

	if err := writeFileAtomic(s.fs, s.path, data); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("Failed to save credentials")
		return err
	}

	s.logger.Debug().Str("path", s.path).Msg("Credentials saved")
	return nil
}

// Get returns a copy of the current credentials.
func (s *Store) Get() Credentials {
	c := s.creds
	if c.LastSyncedDate != nil {
		d := *c.LastSyncedDate
		c.LastSyncedDate = &d
	}
	return c
}

// SetTokens replaces both tokens and persists immediately. The previous
// refresh token is gone from memory before the write is attempted.
func (s *Store) SetTokens(accessToken, refreshToken string) error {
	s.creds.AccessToken = accessToken
	s.creds.RefreshToken = refreshToken
	return s.Save()
}

// SetLastSyncedDate moves the sync marker and persists immediately.
func (s *Store) SetLastSyncedDate(date *civil.Date) error {
	if date == nil {
		s.creds.LastSyncedDate = nil
	} else {
		d := *date
		s.creds.LastSyncedDate = &d
	}
	return s.Save()
}

// Adopt takes identity and tokens from an interactive setup, keeping the
// stored sync marker, and persists immediately. An empty user id keeps the
// stored one.
func (s *Store) Adopt(c Credentials) error {
	if c.UserID != "" {
		s.creds.UserID = c.UserID
	}
	s.creds.AccessToken = c.AccessToken
	s.creds.RefreshToken = c.RefreshToken
	return s.Save()
}

func encode(c Credentials) ([]byte, error) {
	doc := document{
		UserID:       c.UserID,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
	}
	if c.LastSyncedDate != nil {
		doc.LastSyncedDate = c.LastSyncedDate.String()
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Credentials, error) {
	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return Credentials{}, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}

	creds := Credentials{
		UserID:       doc.UserID,
		AccessToken:  doc.AccessToken,
		RefreshToken: doc.RefreshToken,
	}

	if doc.LastSyncedDate != "" {
		d, err := civil.ParseDate(doc.LastSyncedDate)
		if err != nil {
			return Credentials{}, fmt.Errorf("invalid last_synced_date %q: %w", doc.LastSyncedDate, err)
		}
		creds.LastSyncedDate = &d
	}

	return creds, nil
}

// writeFileAtomic writes to a sibling temp file and renames it into place so
// a crash mid-write never truncates the only copy of a refresh token.
func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}

	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	return nil
}
