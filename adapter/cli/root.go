package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/felixgeelhaar/cadence/pkg/observability"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	logger  *slog.Logger
)

type startedAtKey struct{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Cadence - outbound campaign scheduling engine",
	Long: `Cadence enrolls business records into outreach campaigns and
progresses them through a call cadence followed by an email step.

Enrollment, inspection and archiving run as one-shot commands; the
sweep loop itself runs in the worker or via 'cadence serve'.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		// Every invocation gets a correlation ID so one CLI run can be
		// traced through the handlers and the outbox events it writes.
		ctx := observability.NewRequestContext(cmd.Context(), "")
		cmd.SetContext(context.WithValue(ctx, startedAtKey{}, time.Now()))
		logger.InfoContext(ctx, "command start", "command", cmd.CommandPath())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		startedAt, ok := cmd.Context().Value(startedAtKey{}).(time.Time)
		if !ok {
			return
		}
		logger.InfoContext(cmd.Context(), "command end",
			"command", cmd.CommandPath(),
			"duration_ms", time.Since(startedAt).Milliseconds(),
		)
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// AddCommand adds a command to the root command.
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// SetLogger sets the CLI logger.
func SetLogger(l *slog.Logger) {
	logger = l
}
