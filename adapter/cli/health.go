package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check CLI wiring health",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := GetApp()
		if app == nil {
			return fmt.Errorf("app not initialized")
		}
		if app.EnrollHandler == nil || app.StatusHandler == nil {
			return fmt.Errorf("campaign handlers not wired")
		}
		if app.Sweeper == nil {
			return fmt.Errorf("sweeper not wired")
		}
		fmt.Println("ok")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
