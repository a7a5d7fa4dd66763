package main

import (
	"fmt"
	"os"

	"github.com/goodtune/avadhi/internal/config"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "avadhi",
	Short: "Avadhi - daily work span collector",
	Long: `Avadhi reads the machine's boot and shutdown history, folds it into one
work span per calendar day and publishes the days not yet synced to a
remote datastore, refreshing expired credentials along the way.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to sync command when no subcommand is provided
		return runSync(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to configuration file")
	addSyncFlags(rootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
