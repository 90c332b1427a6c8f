package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/studiovibi/worklogs/internal/ui"
	"github.com/studiovibi/worklogs/internal/worklog/schema"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync direction now",
	Long: `Run a single pass of one sync direction in the foreground.

  outbound  deliver queued logs to the archive in one commit
  inbound   import archive changes since the last processed revision

Both directions take a lease in the database, so a pass started while the
daemon is running the same direction is skipped rather than duplicated.`,
}

func newSyncDirectionCmd(name, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			runner, _ := e.runner(name)
			report, err := runner.RunOnce(cmd.Context())
			if asJSON && report != nil {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(report); encErr != nil {
					return encErr
				}
				return err
			}
			ui.Run(os.Stdout, name, report, err)
			if err != nil {
				return fmt.Errorf("%s sync failed", name)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the run result as JSON")
	return cmd
}

func init() {
	syncCmd.AddCommand(newSyncDirectionCmd(schema.CursorOutbound, "Deliver queued logs to the archive"))
	syncCmd.AddCommand(newSyncDirectionCmd(schema.CursorInbound, "Import archive changes into the local store"))
	rootCmd.AddCommand(syncCmd)
}
