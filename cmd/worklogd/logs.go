package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/studiovibi/worklogs/internal/ui"
	"github.com/studiovibi/worklogs/internal/worklog/db"
)

var logsCmd = &cobra.Command{
	Use:     "logs",
	GroupID: "data",
	Short:   "List recorded work",
	Long: `List logs ordered by end time, optionally for one user and a window of
end times. --from is inclusive and --to exclusive; both accept a date
("2024-03-01"), RFC 3339 or the same natural forms as add --end.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		fromRaw, _ := cmd.Flags().GetString("from")
		toRaw, _ := cmd.Flags().GetString("to")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		now := time.Now().In(cfg.Location)
		filter := db.ListLogsFilter{Owner: user, Limit: limit}
		var err error
		if filter.From, err = parseBound(fromRaw, now); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
		if filter.To, err = parseBound(toRaw, now); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		logs, err := database.ListLogs(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(logs)
		}
		ui.Logs(os.Stdout, logs, cfg.Location)
		return nil
	},
}

// parseBound reads a window bound; a bare date means its midnight.
func parseBound(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, raw, now.Location()); err == nil {
		return t, nil
	}
	return parseEnd(raw, now)
}

func init() {
	logsCmd.Flags().StringP("user", "u", "", "only logs of this user")
	logsCmd.Flags().String("from", "", "earliest end time (inclusive)")
	logsCmd.Flags().String("to", "", "latest end time (exclusive)")
	logsCmd.Flags().Int("limit", 0, "maximum number of logs (0 = all)")
	logsCmd.Flags().Bool("json", false, "print logs as JSON")
	rootCmd.AddCommand(logsCmd)
}
