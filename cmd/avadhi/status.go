package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/avadhi/internal/config"
	"github.com/goodtune/avadhi/internal/credentials"
	"github.com/goodtune/avadhi/internal/span"
	"github.com/goodtune/avadhi/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var statusHistory int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show credentials, sync marker and pending days",
	Long:  `Show the stored credentials (tokens masked), the synced-date marker, the days a sync would publish and recent sync history.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusHistory, "history", 10, "Number of recent sync records to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for status mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
	ctx := cmd.Context()

	a, err := newApp(cfg, nil, nil, logger)
	if err != nil {
		return err
	}

	creds := a.creds.Get()
	printCredentials(os.Stdout, a.creds.Path(), creds, cfg.Missing())

	yellow := color.New(color.FgYellow)

	pending, err := a.orchestrator.PendingSpans(ctx)
	if err != nil {
		_, _ = yellow.Fprintf(os.Stdout, "\nCould not read session history: %v\n", err)
	} else {
		printPending(os.Stdout, pending)
	}

	if cfg.Storage.Type == "none" || statusHistory <= 0 {
		return nil
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		_, _ = yellow.Fprintf(os.Stdout, "\nSync history unavailable: %v\n", err)
		return nil
	}
	defer store.Close()

	records, err := store.History().Recent(ctx, statusHistory)
	if err != nil {
		_, _ = yellow.Fprintf(os.Stdout, "\nSync history unavailable: %v\n", err)
		return nil
	}
	printHistory(os.Stdout, records)

	return nil
}

func printCredentials(w io.Writer, path string, creds credentials.Credentials, missingConfig []string) {
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	_, _ = cyan.Fprintln(w, "Credentials")
	_, _ = fmt.Fprintf(w, "  File:           %s\n", path)
	_, _ = fmt.Fprintf(w, "  User ID:        %s\n", orNone(creds.UserID))
	_, _ = fmt.Fprintf(w, "  Access token:   %s\n", maskToken(creds.AccessToken))
	_, _ = fmt.Fprintf(w, "  Refresh token:  %s\n", maskToken(creds.RefreshToken))

	marker := "(never synced)"
	if creds.LastSyncedDate != nil {
		marker = creds.LastSyncedDate.String()
	}
	_, _ = fmt.Fprintf(w, "  Last synced:    %s\n", marker)

	missing := append(append([]string{}, missingConfig...), creds.Missing()...)
	if len(missing) > 0 {
		_, _ = red.Fprintf(w, "  Missing:        %s (run 'avadhi login' or edit the config)\n", strings.Join(missing, ", "))
	}
}

func printPending(w io.Writer, pending []span.DailySpan) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)

	_, _ = cyan.Fprintf(w, "\nPending days (%d)\n", len(pending))
	if len(pending) == 0 {
		_, _ = green.Fprintln(w, "  Up to date")
		return
	}
	for _, s := range pending {
		_, _ = fmt.Fprintf(w, "  %s  %-8s %s - %s\n", s.Date, s.TotalLabel, s.FirstBootString(), s.LastShutdownString())
	}
}

func printHistory(w io.Writer, records []storage.SyncRecord) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Fprintf(w, "\nRecent syncs (%d)\n", len(records))
	for _, r := range records {
		c := green
		switch r.Outcome {
		case storage.OutcomeFailed:
			c = red
		case storage.OutcomeSkipped:
			c = yellow
		}
		line := fmt.Sprintf("  %s  %s  %-9s %4d min", r.At.Local().Format("2006-01-02 15:04:05"), r.Date, r.Outcome, r.Minutes)
		if r.Error != "" {
			line += "  " + r.Error
		}
		_, _ = c.Fprintln(w, line)
	}
}

// maskToken shows only the ends of a token.
func maskToken(token string) string {
	if token == "" {
		return "(none)"
	}
	if len(token) <= 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", 8) + token[len(token)-4:]
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
