package ui

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/BioHazard786/warpvoice/internal/transcript"
	"github.com/BioHazard786/warpvoice/internal/utils"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// History output formats.
const (
	FormatTable    = "table"
	FormatMarkdown = "markdown"
	FormatCSV      = "csv"
)

// RenderHistory writes transcript entries in the requested format.
func RenderHistory(w io.Writer, entries []transcript.Entry, format string) error {
	if format == FormatCSV {
		return renderHistoryCSV(w, entries)
	}

	t := table.NewWriter()
	t.AppendHeader(table.Row{"Time", "Session", "Agent", "Who", "Message"})
	for _, e := range entries {
		session := e.SessionID
		if format == FormatTable {
			session = utils.Truncate(session, 9)
		}
		t.AppendRow(table.Row{
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			session,
			e.AgentID,
			e.Role,
			strings.TrimSpace(e.Text),
		})
	}

	var out string
	switch format {
	case FormatTable, "":
		t.SetStyle(table.StyleRounded)
		t.Style().Color.Header = text.Colors{text.FgCyan, text.Bold}
		t.SetColumnConfigs([]table.ColumnConfig{
			{Number: 5, WidthMax: 60},
		})
		out = t.Render()
	case FormatMarkdown:
		out = t.RenderMarkdown()
	default:
		return fmt.Errorf("unknown format %q (want table, markdown or csv)", format)
	}

	_, err := fmt.Fprintln(w, out)
	return err
}

// renderHistoryCSV writes RFC 4180 CSV. go-pretty escapes embedded commas
// with a backslash, which standard readers do not understand.
func renderHistoryCSV(w io.Writer, entries []transcript.Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Time", "Session", "Agent", "Who", "Message"}); err != nil {
		return err
	}
	for _, e := range entries {
		record := []string{
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.SessionID,
			e.AgentID,
			e.Role,
			strings.TrimSpace(e.Text),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
