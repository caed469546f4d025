// Package cmd defines and implements the CLI commands for the legiswatch executable.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newWatchCmd creates the 'watch' subcommand, which runs poll cycles until
// interrupted.
func newWatchCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll every configured source",
		Long: `Runs poll cycles for every configured source, sleeping between cycles
according to each source's interval. With --once every source is polled a
single time and the command exits.`,
		RunE: withApp(func(cmd *cobra.Command, appInstance App) error {
			logger := appInstance.Logger()
			logger.Info("watch started", zap.Bool("once", once))
			if err := appInstance.Run(cmd.Context(), once); err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			logger.Info("watch finished")
			return nil
		}),
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle per source and exit")
	return cmd
}
