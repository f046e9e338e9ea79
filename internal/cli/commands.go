package cli

import (
	"github.com/spf13/cobra"

	"github.com/smallsimplesuper/macplus/internal/climw"
	"github.com/smallsimplesuper/macplus/internal/orchestrator"
)

// RegisterSubCommands attaches the debug/scripting subcommands to root,
// each wrapped in RequireEngine so its RunE can fetch the already-running
// Orchestrator out of the command context.
func RegisterSubCommands(root *cobra.Command, orc *orchestrator.Orchestrator) {
	chain := climw.UseMiddlewareChain(RequireEngine(orc))
	factories := []climw.CommandFactory{
		chain(NewScanCmd),
		chain(NewCheckCmd),
		chain(NewUpdateCmd),
		chain(NewHistoryCmd),
		chain(NewSettingsCmd),
		chain(NewUninstallCmd),
	}
	for _, factory := range factories {
		root.AddCommand(factory())
	}
}
