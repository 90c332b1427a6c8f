package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/studiovibi/worklogs/internal/config"
	"github.com/studiovibi/worklogs/internal/worklog/db"
)

var addCmd = &cobra.Command{
	Use:     "add",
	GroupID: "data",
	Short:   "Record a block of work",
	Long: `Record a block of work ending at --end and lasting --duration.

The log is stored locally and queued for the next outbound sync. Blocks may
not overlap another log of the same user.

--end accepts RFC 3339 ("2024-03-09T18:00:00-03:00"), a clock time for today
("18:00") or natural language ("today 6pm", "yesterday at 17:30").

Examples:
  worklogd add --user alice --text "Reviewed the parser" --duration 45m
  worklogd add --user alice --text "Standup" --end "today 10am" --duration 15`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		text, _ := cmd.Flags().GetString("text")
		endRaw, _ := cmd.Flags().GetString("end")
		durRaw, _ := cmd.Flags().GetString("duration")
		tz, _ := cmd.Flags().GetString("tz")
		key, _ := cmd.Flags().GetString("idempotency-key")

		if tz == "" {
			tz = cfg.TimeZone
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("unknown timezone %q", tz)
		}
		end, err := parseEnd(endRaw, time.Now().In(loc))
		if err != nil {
			return err
		}
		duration := cfg.DefaultInterval
		if durRaw != "" {
			if duration, err = config.ParseInterval(durRaw); err != nil {
				return fmt.Errorf("invalid --duration: %w", err)
			}
		}

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		res, err := database.CreateLog(cmd.Context(), db.CreateLogParams{
			Owner:          user,
			EndAt:          end,
			Duration:       duration,
			Text:           text,
			TimeZone:       tz,
			IdempotencyKey: key,
		})
		var overlap *db.OverlapError
		if errors.As(err, &overlap) {
			return fmt.Errorf("overlaps log %s (%s)", overlap.LogID, overlap.Path)
		}
		if err != nil {
			return err
		}

		rec := res.Record
		verb := "Logged"
		if res.Reused {
			verb = "Already logged"
		}
		fmt.Fprintf(os.Stdout, "%s %s for %s: %s-%s (%s)\n", verb, rec.ID, rec.Owner,
			rec.StartAt.In(loc).Format("2006-01-02 15:04"), rec.EndAt.In(loc).Format("15:04"), rec.Duration())
		return nil
	},
}

// parseEnd resolves --end relative to now. Empty means now.
func parseEnd(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("15:04", raw, now.Location()); err == nil {
		return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location()), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(raw, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --end %q: %w", raw, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --end %q: no time found", raw)
	}
	return r.Time, nil
}

func init() {
	addCmd.Flags().StringP("user", "u", "", "owner of the log (required)")
	addCmd.Flags().StringP("text", "t", "", "what was done (required)")
	addCmd.Flags().String("end", "", "when the block ended (default now)")
	addCmd.Flags().StringP("duration", "d", "", "block length, e.g. 45m or 45 (default default_interval)")
	addCmd.Flags().String("tz", "", "IANA time zone of the block (default timezone)")
	addCmd.Flags().String("idempotency-key", "", "reuse the log created earlier with the same key")
	_ = addCmd.MarkFlagRequired("user")
	_ = addCmd.MarkFlagRequired("text")
	rootCmd.AddCommand(addCmd)
}
