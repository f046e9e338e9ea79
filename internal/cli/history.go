package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smallsimplesuper/macplus/internal/logger"
)

// NewHistoryCmd prints the most recent update-execution records as a table,
// grounded on the teacher's logger.CreateTable/RenderRow helpers.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent update execution history",
		RunE: func(cmd *cobra.Command, args []string) error {
			orc, err := engineFrom(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")

			entries, err := orc.GetUpdateHistory(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no update history yet")
				return nil
			}

			table := logger.CreateTable([]string{"App", "From -> To", "Source", "Status", "Started"})
			for _, e := range entries {
				if err := logger.RenderRow(table, e.DisplayName,
					fmt.Sprintf("%s -> %s", e.FromVersion, e.ToVersion),
					string(e.SourceType), string(e.Status), e.StartedAt.Format("2006-01-02 15:04")); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of entries to show")
	return cmd
}
