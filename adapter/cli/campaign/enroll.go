package campaign

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/cadence/adapter/cli"
	"github.com/felixgeelhaar/cadence/internal/campaign/application/commands"
	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
	"github.com/felixgeelhaar/cadence/internal/campaign/infrastructure/planfile"
	"github.com/spf13/cobra"
)

var (
	planPath string
	sources  []string
	startAt  string
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll source records into a campaign",
	Long: `Enroll one or more source records into an outreach campaign.

Sources are database/collection/id triples; the cadence plan comes from
a YAML file. Records already in an active campaign are skipped, records
whose prior campaign ended in an email are restarted with the new plan.

Examples:
  cadence campaign enroll --plan plans/weekly.yaml --source crm/businesses/42
  cadence campaign enroll --plan plan.yaml -s crm/businesses/42 -s crm/businesses/43
  cadence campaign enroll --plan plan.yaml -s crm/businesses/42 --start 2026-03-02T09:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.EnrollHandler == nil {
			return fmt.Errorf("application not initialized - database connection required")
		}

		plan, err := planfile.Load(planPath)
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}

		// Build command
		enrollCmd := commands.EnrollCampaignCommand{Plan: plan}
		for _, raw := range sources {
			ref, err := domain.ParseSourceRef(raw)
			if err != nil {
				return err
			}
			enrollCmd.Sources = append(enrollCmd.Sources, ref)
		}

		// Parse start time if provided
		if startAt != "" {
			parsed, err := time.Parse(time.RFC3339, startAt)
			if err != nil {
				return fmt.Errorf("invalid --start timestamp (use RFC3339): %w", err)
			}
			enrollCmd.StartedAt = parsed.UTC()
		}

		result, err := app.EnrollHandler.Handle(cmd.Context(), enrollCmd)
		if err != nil {
			return fmt.Errorf("failed to enroll: %w", err)
		}

		for _, acc := range result.Accepted {
			if acc.Restarted {
				fmt.Printf("restarted %s (tracking %s)\n", acc.Source, acc.TrackingID)
				continue
			}
			fmt.Printf("enrolled %s (tracking %s)\n", acc.Source, acc.TrackingID)
		}
		for _, skip := range result.Skipped {
			fmt.Printf("skipped %s: %s\n", skip.Source, skip.Reason)
		}
		fmt.Printf("%d enrolled, %d skipped\n", len(result.Accepted), len(result.Skipped))

		return nil
	},
}

func init() {
	enrollCmd.Flags().StringVar(&planPath, "plan", "", "cadence plan YAML file (required)")
	enrollCmd.Flags().StringArrayVarP(&sources, "source", "s", nil, "source record as database/collection/id (repeatable)")
	enrollCmd.Flags().StringVar(&startAt, "start", "", "campaign start time (RFC3339, default now)")
	_ = enrollCmd.MarkFlagRequired("plan")
	_ = enrollCmd.MarkFlagRequired("source")
}
