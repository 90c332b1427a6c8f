package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/studiovibi/worklogs/internal/worklog/schema"
)

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	GroupID: "maint",
	Short:   "Inspect and repair the delivery queue",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outbox entries in one state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stateRaw, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")
		state := schema.OutboxState(stateRaw)
		if !state.Valid() {
			return fmt.Errorf("unknown state %q", stateRaw)
		}

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		entries, err := database.ListOutbox(cmd.Context(), state, limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tLOG\tRETRIES\tNEXT RETRY\tLAST ERROR")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", e.ID, e.LogID, e.Retries,
				e.NextRetryAt.In(cfg.Location).Format(time.DateTime), e.LastError)
		}
		return tw.Flush()
	},
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue [id...]",
	Short: "Move dead entries back to pending",
	Long: `Move dead-lettered entries back to pending with a fresh retry budget, so
the next outbound run tries them again. Without ids every dead entry is
requeued.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, a := range args {
			id, err := strconv.ParseInt(a, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid outbox id %q", a)
			}
			ids = append(ids, id)
		}

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		n, err := database.RequeueDead(cmd.Context(), ids)
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d dead entries\n", n)
		return nil
	},
}

func init() {
	outboxListCmd.Flags().String("state", string(schema.OutboxDead), "pending, inflight, done, failed or dead")
	outboxListCmd.Flags().Int("limit", 100, "maximum entries (0 = all)")
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxRequeueCmd)
	rootCmd.AddCommand(outboxCmd)
}
