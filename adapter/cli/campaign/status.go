package campaign

import (
	"fmt"
	"sort"

	"github.com/felixgeelhaar/cadence/adapter/cli"
	"github.com/felixgeelhaar/cadence/internal/campaign/application/queries"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [record-id...]",
	Short: "Show campaign record counts by status and step",
	Long: `Show how many records sit in each lifecycle status and cadence
step. With record IDs the aggregation is restricted to those records.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.StatusHandler == nil {
			return fmt.Errorf("application not initialized - database connection required")
		}

		query := queries.CampaignStatusQuery{}
		for _, arg := range args {
			id, err := uuid.Parse(arg)
			if err != nil {
				return fmt.Errorf("invalid record ID %q: %w", arg, err)
			}
			query.RecordIDs = append(query.RecordIDs, id)
		}

		result, err := app.StatusHandler.Handle(cmd.Context(), query)
		if err != nil {
			return fmt.Errorf("failed to aggregate status: %w", err)
		}

		fmt.Printf("Total records: %d\n", result.Total)

		if len(result.ByStatus) > 0 {
			fmt.Println("By status:")
			statuses := make([]string, 0, len(result.ByStatus))
			for status := range result.ByStatus {
				statuses = append(statuses, status)
			}
			sort.Strings(statuses)
			for _, status := range statuses {
				fmt.Printf("  %-14s %d\n", status, result.ByStatus[status])
			}
		}

		if len(result.ByStep) > 0 {
			fmt.Println("By cadence step:")
			steps := make([]int, 0, len(result.ByStep))
			for step := range result.ByStep {
				steps = append(steps, step)
			}
			sort.Ints(steps)
			for _, step := range steps {
				fmt.Printf("  step %-9d %d\n", step, result.ByStep[step])
			}
		}

		return nil
	},
}
