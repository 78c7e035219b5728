package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/list"
	"github.com/jedib0t/go-pretty/v6/table"

	"AutoHolds/internal/domain"
)

const timeLayout = "2006-01-02 15:04:05"

// Runs renders a table of run records, newest first as given.
func Runs(w io.Writer, runs []domain.RunRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ID", "UUID", "Started", "Ended", "Status", "Items", "First", "Last"})
	for _, r := range runs {
		tw.AppendRow(table.Row{
			r.ID, r.UUID.String(), formatTime(&r.StartedAt), formatTime(r.EndedAt),
			runStatus(r), r.NumItemsFound, itemNumber(r.FirstItemNumber), itemNumber(r.LastItemNumber),
		})
	}
	tw.Render()
}

// Run renders one run as a tree of items and hold attempts, each with its
// log entries.
func Run(w io.Writer, run *domain.RunRecord) {
	lw := list.NewWriter()
	lw.SetOutputMirror(w)
	lw.SetStyle(list.StyleConnectedRounded)

	lw.AppendItem(fmt.Sprintf("Run %d (%s) %s, %d items, started %s, ended %s",
		run.ID, run.UUID, runStatus(*run), run.NumItemsFound, formatTime(&run.StartedAt), formatTime(run.EndedAt)))
	lw.Indent()
	appendEntries(lw, run.Entries)
	for _, item := range run.Items {
		lw.AppendItem(fmt.Sprintf(".b%da created %s, author %q, format %s, language %s: %d registrations",
			item.ItemNumber, formatTime(&item.ItemCreatedAt), item.Author, item.Format, item.Language, item.NumRegistrationsFound))
		lw.Indent()
		appendEntries(lw, item.Entries)
		for _, hold := range item.Holds {
			outcome := "failed"
			if hold.Successful {
				outcome = "placed"
			}
			lw.AppendItem(fmt.Sprintf("hold for .p%da at %s (registration %d): %s",
				hold.PatronRecordNumber, hold.PickupLocation, hold.RegistrationID, outcome))
			lw.Indent()
			appendEntries(lw, hold.Entries)
			lw.UnIndent()
		}
		lw.UnIndent()
	}
	lw.UnIndent()
	lw.Render()
}

func appendEntries(lw list.Writer, entries []domain.LogEntry) {
	for _, e := range entries {
		msg := fmt.Sprintf("[%s] %s %s", strings.ToUpper(string(e.Level)), e.At.Format(timeLayout), e.Message)
		if e.Detail != "" {
			msg += ": " + firstLine(e.Detail)
		}
		lw.AppendItem(msg)
	}
}

// Registrations renders registrations in queue order within their group.
func Registrations(w io.Writer, regs []domain.Registration) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Author", "Format", "Language", "Order", "Patron", "Pickup", "ID"})
	for _, r := range regs {
		tw.AppendRow(table.Row{
			r.AuthorName, r.FormatCode, r.LanguageCode, r.PriorityOrder,
			fmt.Sprintf(".p%da", r.PatronRecordNumber), r.PickupLocation, r.ID,
		})
	}
	tw.Render()
}

// Watermark renders where the next run resumes.
func Watermark(w io.Writer, wm domain.Watermark) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendRows([]table.Row{
		{"Resume from", wm.ResumeFrom.UTC().Format(time.RFC3339)},
		{"Last item", itemNumber(&wm.LastItemNumber)},
		{"Derived from", string(wm.Source)},
	})
	tw.Render()
}

func runStatus(r domain.RunRecord) string {
	switch {
	case !r.Finished():
		return "running"
	case r.Successful:
		return "succeeded"
	default:
		return "failed"
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func itemNumber(n *int64) string {
	if n == nil || *n == 0 {
		return "-"
	}
	return fmt.Sprintf(".b%da", *n)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
