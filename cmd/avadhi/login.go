package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/avadhi/internal/auth"
	"github.com/goodtune/avadhi/internal/config"
	"github.com/goodtune/avadhi/internal/credentials"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Enter user id and tokens",
	Long: `Open the web app login page and store the user id, access token and refresh
token it shows. The synced-date marker is kept.`,
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	unlock, err := credentials.Lock(ctx, cfg.Credentials.Path)
	if err != nil {
		return err
	}
	defer func() { _ = unlock() }()

	store := credentials.Open(afero.NewOsFs(), cfg.Credentials.Path, logger)

	prompt := auth.NewTerminalPrompt(cfg.API.WebAppURL, logger)
	creds, err := prompt.Prompt(ctx, store.Get())
	if err != nil {
		return err
	}

	if err := store.Adopt(creds); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	_, _ = color.New(color.FgGreen, color.Bold).Fprintf(os.Stdout, "Credentials saved to %s\n", store.Path())
	return nil
}
