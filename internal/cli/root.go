// Package cli provides macplusd's debug/scripting subcommands (spec.md §6):
// scan, check, update, history, settings, and uninstall, each operating
// against an already-constructed Orchestrator injected via the RequireEngine
// middleware. This is the scripting surface a GUI host does not need —
// cmd/macplusd's --headless and --check-now modes talk to the Orchestrator
// directly.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smallsimplesuper/macplus/internal/buildinfo"
	"github.com/smallsimplesuper/macplus/internal/climw"
	"github.com/smallsimplesuper/macplus/internal/logger"
	"github.com/smallsimplesuper/macplus/internal/orchestrator"
)

// NewRootCmd builds the macplusd root command around an already-running
// Orchestrator, mirroring the teacher's root.go layout: persistent logging
// flags configured in PersistentPreRunE, a bare --version on the root Run,
// and a FlagErrorFunc that prints usage alongside the error.
func NewRootCmd(orc *orchestrator.Orchestrator) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "macplusd",
		Short: "Update engine for locally installed macOS apps",
		Long: `macplusd scans installed applications, checks each against its update
source, and installs updates on request or on a schedule.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			jsonLogs, _ := cmd.Flags().GetBool("log-json")
			logger.Configure(logger.Options{Level: level, JSON: jsonLogs})
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				buildinfo.PrintVersion()
			}
		},
	}

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		fmt.Fprintf(c.ErrOrStderr(), "Error: %v\n\n", err)
		_ = c.Usage()
		return err
	})

	cmd.Flags().BoolP("version", "v", false, "Print version information")
	cmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	cmd.PersistentFlags().Bool("log-json", false, "log in JSON instead of console format")

	RegisterSubCommands(cmd, orc)

	return cmd
}

// Execute runs the root command for the given Orchestrator, exiting non-zero
// on an already-logged failure the way the teacher's Execute does for
// middleware.ErrLogged.
func Execute(orc *orchestrator.Orchestrator) error {
	root := NewRootCmd(orc)
	if err := root.Execute(); err != nil {
		if errors.Is(err, climw.ErrLogged) {
			os.Exit(1)
		}
		return err
	}
	return nil
}
