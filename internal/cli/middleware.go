package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/smallsimplesuper/macplus/internal/climw"
	"github.com/smallsimplesuper/macplus/internal/orchestrator"
)

// RequireEngine injects the already-constructed Orchestrator into cmd's
// context, mirroring the teacher's RequireConfig middleware but for a live
// collaborator rather than a config file — main wires the Orchestrator
// once at startup and these debug subcommands all share that instance
// rather than each opening their own store handle.
func RequireEngine(orc *orchestrator.Orchestrator) climw.MiddlewareFunc {
	return func(cmd *cobra.Command, args []string, next func(cmd *cobra.Command, args []string) error) error {
		cmd.SetContext(context.WithValue(cmd.Context(), climw.CtxKeyEngine, orc))
		return next(cmd, args)
	}
}

func engineFrom(cmd *cobra.Command) (*orchestrator.Orchestrator, error) {
	return climw.Get[*orchestrator.Orchestrator](cmd, climw.CtxKeyEngine)
}
