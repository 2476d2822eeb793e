package campaign

import (
	"fmt"

	"github.com/felixgeelhaar/cadence/adapter/cli"
	"github.com/felixgeelhaar/cadence/internal/campaign/application/commands"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var archiveCmd = &cobra.Command{
	Use:   "archive <record-id>",
	Short: "Archive a campaign record",
	Long: `Archive a campaign record so no further sweeps touch it.
The record is kept for reporting; it is never deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.ArchiveHandler == nil {
			return fmt.Errorf("application not initialized - database connection required")
		}

		recordID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid record ID: %w", err)
		}

		result, err := app.ArchiveHandler.Handle(cmd.Context(), commands.ArchiveCampaignCommand{RecordID: recordID})
		if err != nil {
			return fmt.Errorf("failed to archive record: %w", err)
		}

		fmt.Printf("Record archived: %s\n", result.RecordID)
		return nil
	},
}
