package main

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// columnGap separates columns.
const columnGap = 2

var headerStyle = lipgloss.NewStyle().Bold(true)

// table renders rows of plain text in aligned columns.
type table struct {
	headers []string
	rows    [][]string
}

func newTable(headers ...string) *table {
	return &table{headers: headers}
}

func (t *table) addRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// render writes the table to w. An empty table writes empty.
func (t *table) render(w io.Writer, empty string) error {
	if len(t.rows) == 0 {
		_, err := io.WriteString(w, empty+"\n")
		return err
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	var sb strings.Builder
	writeRow := func(cells []string, style lipgloss.Style) {
		for i, w := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if i < len(widths)-1 {
				cell = lipgloss.NewStyle().Width(w + columnGap).Render(cell)
			}
			sb.WriteString(style.Render(cell))
		}
		sb.WriteString("\n")
	}

	writeRow(t.headers, headerStyle)
	for _, row := range t.rows {
		writeRow(row, lipgloss.NewStyle())
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
