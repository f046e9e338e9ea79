package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCheckCmd runs check_all_updates (or, given a bundle id, check_single_update)
// and blocks for the result.
func NewCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [bundle-id]",
		Short: "Check for updates across the catalog, or for one app",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orc, err := engineFrom(cmd)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				candidate, err := orc.CheckSingleUpdate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if candidate == nil {
					fmt.Printf("%s is up to date\n", args[0])
					return nil
				}
				fmt.Printf("%s: %s available via %s\n", args[0], candidate.AvailableVersion, candidate.SourceType)
				return nil
			}

			ch, unsub := orc.Events().Subscribe(8)
			defer unsub()
			runID := orc.CheckAllUpdates(cmd.Context())
			fmt.Printf("check %s started\n", runID)
			return awaitCheckComplete(cmd.Context(), ch)
		},
	}
	return cmd
}
