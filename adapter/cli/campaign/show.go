package campaign

import (
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/cadence/adapter/cli"
	"github.com/felixgeelhaar/cadence/internal/campaign/application/queries"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <record-id>",
	Short: "Show one campaign record in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.GetRecordHandler == nil {
			return fmt.Errorf("application not initialized - database connection required")
		}

		recordID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid record ID: %w", err)
		}

		rec, err := app.GetRecordHandler.Handle(cmd.Context(), queries.GetCampaignRecordQuery{RecordID: recordID})
		if err != nil {
			return fmt.Errorf("failed to get record: %w", err)
		}

		label := rec.Label
		if label == "" {
			label = "(unnamed)"
		}
		fmt.Printf("%s (%s)\n", label, rec.ID)
		fmt.Printf("  source:  %s\n", rec.Source)
		fmt.Printf("  status:  %s\n", rec.Status)
		fmt.Printf("  step:    %d of %d\n", rec.CadenceStep, rec.TotalSteps)
		fmt.Printf("  started: %s\n", rec.StartedAt.Format(time.RFC3339))
		if len(rec.PhoneNumbers) > 0 {
			fmt.Printf("  phones:  %s\n", strings.Join(rec.PhoneNumbers, ", "))
		}
		if len(rec.Emails) > 0 {
			fmt.Printf("  emails:  %s\n", strings.Join(rec.Emails, ", "))
		}

		fmt.Printf("  calls:   %d attempts", rec.CallAttemptsMade)
		if rec.CallNextAttemptAt != nil {
			fmt.Printf(", next due %s", rec.CallNextAttemptAt.Format(time.RFC3339))
		}
		if rec.Partnered {
			fmt.Print(", partnered")
		}
		fmt.Println()

		fmt.Printf("  sent:    %d emails", rec.EmailsSent)
		if rec.EmailNextAttemptAt != nil {
			fmt.Printf(", next due %s", rec.EmailNextAttemptAt.Format(time.RFC3339))
		}
		if rec.EmailLastError != "" {
			fmt.Printf(", last error: %s", rec.EmailLastError)
		}
		fmt.Println()

		if len(rec.History) > 0 {
			fmt.Println("  history:")
			for _, att := range rec.History {
				outcome := "no answer"
				if att.Successful {
					outcome = "spoke"
				}
				fmt.Printf("    #%d step %d: %s (%ds) at %s\n",
					att.AttemptNumber, att.Step, outcome, att.DurationSeconds, att.At.Format(time.RFC3339))
			}
		}

		return nil
	},
}
