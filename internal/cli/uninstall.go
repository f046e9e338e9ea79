package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smallsimplesuper/macplus/internal/prompter"
)

// NewUninstallCmd removes an app's bundle (and, with --purge, its
// Application Support/Caches/Preferences siblings), confirming first unless
// --force is given — grounded on the teacher's delete.go/remove.go pairing
// a destructive op with prompter.Confirm before running it.
func NewUninstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uninstall <bundle-id>",
		Short: "Remove an installed app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orc, err := engineFrom(cmd)
			if err != nil {
				return err
			}
			bundleID := args[0]

			force, _ := cmd.Flags().GetBool("force")
			purge, _ := cmd.Flags().GetBool("purge")

			if !force {
				p := prompter.New(os.Stdin, cmd.OutOrStdout())
				ok, err := p.Confirm(fmt.Sprintf("Uninstall %s?", bundleID))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("aborted")
					return nil
				}
			}

			if err := orc.UninstallApp(cmd.Context(), bundleID, purge); err != nil {
				return err
			}
			fmt.Printf("%s uninstalled\n", bundleID)
			return nil
		},
	}

	cmd.Flags().Bool("force", false, "skip the confirmation prompt")
	cmd.Flags().Bool("purge", false, "also remove Application Support, Caches, and Preferences for this app")
	return cmd
}
