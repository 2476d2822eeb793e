package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sweepAt string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single sweep pass over due records",
	Long: `Run one synchronous sweep pass: due call steps, the post-call
email pass and the scheduled-email pass. The tick loop is not started.

Examples:
  cadence sweep
  cadence sweep --at 2026-03-02T09:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := GetApp()
		if app == nil || app.Sweeper == nil {
			return fmt.Errorf("application not initialized - database connection required")
		}

		now := time.Now().UTC()
		if sweepAt != "" {
			parsed, err := time.Parse(time.RFC3339, sweepAt)
			if err != nil {
				return fmt.Errorf("invalid --at timestamp (use RFC3339): %w", err)
			}
			now = parsed.UTC()
		}

		if err := app.Sweeper.RunOnce(cmd.Context(), now); err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}

		stats := app.Sweeper.Stats()
		fmt.Println("Sweep complete.")
		fmt.Printf("  calls attempted: %d\n", stats.CallsAttempted)
		fmt.Printf("  emails sent:     %d\n", stats.EmailsSent)
		if stats.SweepErrors > 0 {
			fmt.Printf("  sweep errors:    %d\n", stats.SweepErrors)
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().StringVar(&sweepAt, "at", "", "sweep as if it were this time (RFC3339, default now)")
	rootCmd.AddCommand(sweepCmd)
}
