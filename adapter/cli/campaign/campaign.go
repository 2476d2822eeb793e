package campaign

import (
	"github.com/spf13/cobra"
)

// Cmd is the campaign command group
var Cmd = &cobra.Command{
	Use:   "campaign",
	Short: "Manage outreach campaigns",
	Long:  `Enroll records into campaigns, inspect their progress, and archive them.`,
}

func init() {
	Cmd.AddCommand(enrollCmd)
	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(showCmd)
	Cmd.AddCommand(archiveCmd)
}
