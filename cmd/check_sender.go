package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCheckSenderCmd creates the 'check-sender' subcommand.
func newCheckSenderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-sender",
		Short: "Verify the external sender and its dependencies are installed",
		RunE: withApp(func(cmd *cobra.Command, appInstance App) error {
			if err := appInstance.CheckSender(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sender ready")
			return nil
		}),
	}
}
