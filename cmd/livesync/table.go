package main

import (
	"context"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/rickgao/livesync/internal/panels"
	"github.com/rickgao/livesync/internal/status"
)

// printTable writes one row per panel under a status line.
func printTable(w io.Writer, snap status.Snapshot, rows []panels.Row, now time.Time) {
	io.WriteString(w, "connection: "+snap.Label+"\n")

	table := tablewriter.NewWriter(w)
	table.Header("Feed", "Source", "Live", "Age", "Polling", "Value", "Error")
	for _, r := range rows {
		table.Append(
			r.Name,
			sourceLabel(r),
			yesNo(r.RealTime),
			age(r.LastUpdate, now),
			yesNo(r.Polling),
			r.Summary,
			r.Error,
		)
	}
	table.Render()
}

func sourceLabel(r panels.Row) string {
	switch {
	case r.Loading && r.LastUpdate.IsZero():
		return "loading"
	case r.Stale:
		return r.Source + " (stale)"
	default:
		return r.Source
	}
}

func age(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// runTable prints the table every interval until ctx is done.
func runTable(ctx context.Context, w io.Writer, interval time.Duration, st statusSource, ps panelSource) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			printTable(w, st.Snapshot(), ps.Rows(), now)
		}
	}
}
