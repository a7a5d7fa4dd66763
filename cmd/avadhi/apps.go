package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/avadhi/internal/procstat"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	appsLimit   int
	appsProcDir string
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List processes by CPU time",
	Long:  `List the running processes that have used the most CPU time since they started.`,
	Example: `  avadhi apps
  avadhi apps --limit 25`,
	RunE: runApps,
}

func init() {
	appsCmd.Flags().IntVarP(&appsLimit, "limit", "n", 10, "Number of processes to show (negative for all)")
	appsCmd.Flags().StringVar(&appsProcDir, "proc", procstat.DefaultProcDir, "Path to the proc filesystem")
	rootCmd.AddCommand(appsCmd)
}

func runApps(cmd *cobra.Command, args []string) error {
	processes, err := procstat.List(afero.NewOsFs(), appsProcDir)
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}

	printProcesses(os.Stdout, procstat.Top(processes, appsLimit))
	return nil
}

func printProcesses(w io.Writer, processes []procstat.Process) {
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Fprintf(w, "%7s  %-24s %12s %14s\n", "PID", "COMMAND", "CPU", "STARTED")
	for _, p := range processes {
		_, _ = fmt.Fprintf(w, "%7d  %-24s %12s %14s\n",
			p.PID,
			p.Command,
			p.CPUTime().Round(10*time.Millisecond),
			"+"+p.StartedAfterBoot().Round(time.Second).String(),
		)
	}
}
