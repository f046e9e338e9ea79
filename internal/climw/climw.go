// Package climw is the middleware-chain machinery for macplusd's debug/
// scripting subcommands (spec.md §6's internal/cli surface), adapted from
// the teacher's internal/middleware package: a chain of PreRunE-style
// interceptors threaded through a CommandFactory, plus a typed context-
// value getter so a subcommand can pull the engine handle a middleware
// injected without a type assertion at every call site.
package climw

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

type contextKey string

// CtxKeyEngine is the context key the RequireEngine middleware injects: the
// *orchestrator.Orchestrator (and its collaborators) every debug subcommand
// needs. Declared here rather than in internal/orchestrator to avoid an
// import cycle (orchestrator never needs to know about the CLI layer).
const CtxKeyEngine contextKey = "engine"

// ErrLogged marks an error that has already been rendered to the user, so
// Execute's top-level handler exits quietly instead of printing it a second
// time.
var ErrLogged = errors.New("already logged")

// CommandFactory builds one cobra.Command. Subcommands are registered as
// factories, not built commands, so a middleware chain can wrap the
// PreRunE cobra runs before RunE without touching the command's own body.
type CommandFactory func() *cobra.Command

// MiddlewareFunc is one link in the chain: it runs before the command body
// and decides whether to call next (continue) or return early (reject).
type MiddlewareFunc func(cmd *cobra.Command, args []string, next func(cmd *cobra.Command, args []string) error) error

// Chain wraps a CommandFactory so every invocation of the built command
// runs mws in order before the command's own PreRunE/RunE.
type Chain func(factory CommandFactory) CommandFactory

// UseMiddlewareChain composes mws into a Chain. An empty chain is a no-op
// wrapper so every subcommand can be registered uniformly whether or not
// it needs a guard.
func UseMiddlewareChain(mws ...MiddlewareFunc) Chain {
	chained := make([]MiddlewareFunc, len(mws))
	copy(chained, mws)

	return func(factory CommandFactory) CommandFactory {
		return func() *cobra.Command {
			cmd := factory()
			orig := cmd.PreRunE

			cmd.PreRunE = func(c *cobra.Command, a []string) error {
				if len(chained) == 0 {
					if orig != nil {
						return orig(c, a)
					}
					return nil
				}
				var run func(*cobra.Command, []string, int) error
				run = func(cc *cobra.Command, aa []string, i int) error {
					if i >= len(chained) {
						if orig != nil {
							return orig(cc, aa)
						}
						return nil
					}
					return chained[i](cc, aa, func(nc *cobra.Command, na []string) error {
						return run(nc, na, i+1)
					})
				}
				return run(c, a, 0)
			}
			return cmd
		}
	}
}

// Get retrieves a typed value a middleware stored on cmd's context under
// key, erroring rather than panicking on a missing/mistyped value so a
// subcommand whose middleware was forgotten fails with a clear message
// instead of a nil-pointer crash.
func Get[T any](cmd *cobra.Command, key contextKey) (T, error) {
	var zero T
	ctx := cmd.Context()
	if ctx == nil {
		return zero, fmt.Errorf("command context is nil")
	}
	val := ctx.Value(key)
	if val == nil {
		return zero, fmt.Errorf("context value %q is nil", key)
	}
	cast, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("context value %q has wrong type %T", key, val)
	}
	return cast, nil
}
