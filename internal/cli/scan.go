package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewScanCmd runs trigger_full_scan and blocks until scan-complete fires,
// printing a one-line summary — the scripting equivalent of clicking
// "Rescan" in a GUI host.
func NewScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Rescan the filesystem and Homebrew prefixes for installed apps",
		RunE: func(cmd *cobra.Command, args []string) error {
			orc, err := engineFrom(cmd)
			if err != nil {
				return err
			}
			ch, unsub := orc.Events().Subscribe(8)
			defer unsub()

			runID := orc.TriggerFullScan(cmd.Context())
			fmt.Printf("scan %s started\n", runID)
			return awaitScanComplete(cmd.Context(), ch)
		},
	}
}
