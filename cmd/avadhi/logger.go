package main

import (
	"fmt"
	"io"
	"os"

	"github.com/goodtune/avadhi/internal/config"
	"github.com/rs/zerolog"
)

// setupLogger configures the logger based on configuration. The returned
// function closes the log file, if one was opened.
func setupLogger(cfg config.LoggingConfig) (zerolog.Logger, func() error, error) {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	closeFn := func() error { return nil }
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return zerolog.Nop(), closeFn, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closeFn = f.Close
	}

	// Set output format
	if cfg.Format == "text" {
		writer := zerolog.ConsoleWriter{Out: out, NoColor: cfg.File != ""}
		return zerolog.New(writer).With().Timestamp().Logger(), closeFn, nil
	}

	// Default to JSON
	return zerolog.New(out).With().Timestamp().Logger(), closeFn, nil
}
