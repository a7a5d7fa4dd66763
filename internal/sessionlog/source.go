package sessionlog

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/goodtune/avadhi/internal/config"
	"github.com/goodtune/avadhi/internal/span"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Source yields the session history to aggregate.
type Source interface {
	Sessions(ctx context.Context) ([]span.SessionRecord, error)
}

// CommandSource runs a command such as `last -x -F reboot` and parses its
// standard output.
type CommandSource struct {
	Name     string
	Args     []string
	Clock    clockwork.Clock
	Location *time.Location
	Logger   zerolog.Logger
}

// Sessions implements Source.
func (s *CommandSource) Sessions(ctx context.Context) ([]span.SessionRecord, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Name, s.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.Logger.Debug().Str("command", s.Name).Strs("args", s.Args).Msg("Reading session history")

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to run %s: %w: %s", s.Name, err, bytes.TrimSpace(stderr.Bytes()))
	}

	records, err := Parse(&stdout, s.Clock.Now(), s.Location)
	if err != nil {
		return nil, err
	}

	s.Logger.Debug().Int("sessions", len(records)).Msg("Session history parsed")
	return records, nil
}

// FileSource parses a saved copy of the command's output.
type FileSource struct {
	Fs       afero.Fs
	Path     string
	Clock    clockwork.Clock
	Location *time.Location
	Logger   zerolog.Logger
}

// Sessions implements Source.
func (s *FileSource) Sessions(ctx context.Context) ([]span.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := s.Fs.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()

	records, err := Parse(f, s.Clock.Now(), s.Location)
	if err != nil {
		return nil, err
	}

	s.Logger.Debug().Str("path", s.Path).Int("sessions", len(records)).Msg("Session history parsed")
	return records, nil
}

// NewSource builds the source selected by cfg.
func NewSource(cfg config.SessionsConfig, fs afero.Fs, clock clockwork.Clock, logger zerolog.Logger) (Source, error) {
	logger = logger.With().Str("component", "sessionlog").Logger()

	switch cfg.Source {
	case "last":
		return &CommandSource{
			Name:     cfg.Command,
			Args:     cfg.Args,
			Clock:    clock,
			Location: time.Local,
			Logger:   logger,
		}, nil
	case "file":
		return &FileSource{
			Fs:       fs,
			Path:     cfg.File,
			Clock:    clock,
			Location: time.Local,
			Logger:   logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown session source: %q", cfg.Source)
	}
}
