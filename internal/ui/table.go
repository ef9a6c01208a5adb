package ui

import (
	"fmt"
	"time"

	"github.com/BioHazard786/warpvoice/internal/utils"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// SessionSummary is shown when a voice session ends.
type SessionSummary struct {
	Status     string
	Agent      string
	Duration   time.Duration
	Streams    int
	Chunks     uint64
	Messages   int
	Reconnects int
}

func styledTable(headers []string, rows [][]string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})
}

func SessionSummaryView(s SessionSummary) string {
	rows := [][]string{
		{"Status", s.Status},
		{"Agent", s.Agent},
		{"Duration", utils.FormatTimeDuration(s.Duration)},
		{"Streams", fmt.Sprintf("%d", s.Streams)},
		{"Chunks sent", fmt.Sprintf("%d", s.Chunks)},
		{"Messages", fmt.Sprintf("%d", s.Messages)},
		{"Reconnects", fmt.Sprintf("%d", s.Reconnects)},
	}
	return styledTable([]string{"Metric", "Value"}, rows).Render()
}

func RenderSessionSummary(s SessionSummary) {
	fmt.Println(SessionSummaryView(s))
}

// ConfigView lists the effective settings, masking credentials.
func ConfigView(pairs [][2]string) string {
	rows := make([][]string, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, []string{p[0], p[1]})
	}
	return styledTable([]string{"Setting", "Value"}, rows).Render()
}
