package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smallsimplesuper/macplus/internal/events"
)

// NewUpdateCmd runs execute_update for one bundle id, or execute_bulk_update
// for several, printing the terminal event for each.
func NewUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <bundle-id> [bundle-id...]",
		Short: "Install the detected update for one or more apps",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orc, err := engineFrom(cmd)
			if err != nil {
				return err
			}

			ch, unsub := orc.Events().Subscribe(16)
			defer unsub()

			if len(args) == 1 {
				if err := orc.ExecuteUpdate(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Printf("%s updated\n", args[0])
				return nil
			}

			orc.ExecuteBulkUpdate(cmd.Context(), args)
			remaining := map[string]bool{}
			for _, id := range args {
				remaining[id] = true
			}
			for len(remaining) > 0 {
				select {
				case ev := <-ch:
					if ev.Kind != events.UpdateExecuteComplete {
						continue
					}
					p, ok := ev.Payload.(events.ExecuteCompletePayload)
					if !ok || !remaining[p.BundleID] {
						continue
					}
					delete(remaining, p.BundleID)
					if p.Success {
						fmt.Printf("%s updated\n", p.BundleID)
					} else {
						fmt.Printf("%s failed: %s\n", p.BundleID, p.Message)
					}
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				}
			}
			return nil
		},
	}
	return cmd
}
