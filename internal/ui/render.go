package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/studiovibi/worklogs/internal/worklog/db"
	"github.com/studiovibi/worklogs/internal/worklog/schema"
	"github.com/studiovibi/worklogs/internal/worklog/sync"
)

// Status prints the sync status summary.
func Status(w io.Writer, st *db.Status, backend string) {
	s := NewStyles(w)
	line := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", s.Label.Render(label), value)
	}

	fmt.Fprintln(w, s.Title.Render("Worklog sync"))
	remote := backend
	if st.RemoteEnabled {
		remote += " " + s.OK.Render("(enabled)")
	} else {
		remote += " " + s.Warn.Render("(disabled)")
	}
	line("Remote", remote)
	line("Logs", fmt.Sprint(st.Logs))

	pending := fmt.Sprint(st.TotalPending())
	if st.OldestPendingAge != nil {
		age := time.Duration(*st.OldestPendingAge) * time.Second
		pending += s.Dim.Render(fmt.Sprintf(" (oldest %s ago)", age))
	}
	line("Awaiting", pending)

	counts := make([]string, 0, len(schema.OutboxStates))
	for _, state := range schema.OutboxStates {
		n := st.Counts[state]
		text := fmt.Sprintf("%s=%d", state, n)
		if state == schema.OutboxDead && n > 0 {
			text = s.Error.Render(text)
		}
		counts = append(counts, text)
	}
	line("Outbox", strings.Join(counts, " "))

	if len(st.Cursors) > 0 {
		fmt.Fprintln(w, s.Title.Render("Cursors"))
		for _, c := range st.Cursors {
			rev := c.Revision
			if rev == "" {
				rev = s.Dim.Render("(none)")
			} else if len(rev) > 12 {
				rev = rev[:12]
			}
			ran := s.Dim.Render("never run")
			if c.LastRunAt != nil {
				ran = "last run " + c.LastRunAt.Local().Format(time.DateTime)
			}
			line(c.Name, rev+"  "+ran)
		}
	}

	if len(st.RecentDead) > 0 {
		fmt.Fprintln(w, s.Error.Render("Dead letters"))
		for _, e := range st.RecentDead {
			line(fmt.Sprintf("#%d", e.ID), fmt.Sprintf("%s retries=%d %s", e.LogID, e.Retries, s.Dim.Render(e.LastError)))
		}
	}
}

// Logs prints one line per record with times in loc.
func Logs(w io.Writer, logs []*schema.LogRecord, loc *time.Location) {
	s := NewStyles(w)
	if len(logs) == 0 {
		fmt.Fprintln(w, s.Dim.Render("no logs"))
		return
	}
	var total time.Duration
	for _, r := range logs {
		total += r.Duration()
		synced := s.Warn.Render("unsynced")
		if r.RemotePath != "" {
			synced = s.OK.Render("synced")
		}
		fmt.Fprintf(w, "%s  %s-%s  %-8s %-10s %s  %s\n",
			s.Dim.Render(r.ID[:min(8, len(r.ID))]),
			r.StartAt.In(loc).Format("2006-01-02 15:04"),
			r.EndAt.In(loc).Format("15:04"),
			r.Duration(),
			r.Owner,
			synced,
			firstLine(r.Text))
	}
	fmt.Fprintf(w, "%s %d logs, %s\n", s.Title.Render("Total"), len(logs), total)
}

// Run prints the outcome of a one-shot sync run.
func Run(w io.Writer, name string, report sync.Report, err error) {
	s := NewStyles(w)
	label := s.Title.Render(name)
	switch {
	case err != nil:
		fmt.Fprintf(w, "%s %s %v\n", label, s.Error.Render("failed:"), err)
	case report.SkipReason() != "":
		fmt.Fprintf(w, "%s %s\n", label, s.Warn.Render(report.Summary()))
	default:
		fmt.Fprintf(w, "%s %s\n", label, s.OK.Render(report.Summary()))
	}
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i] + "…"
	}
	const limit = 60
	if r := []rune(text); len(r) > limit {
		text = string(r[:limit-1]) + "…"
	}
	return text
}
