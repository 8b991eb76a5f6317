package style

import (
	"regexp"
	"strings"
)

// Column defines a table column with name and width.
type Column struct {
	Name  string
	Width int
}

// Table renders fixed-width columnar output for status listings.
type Table struct {
	columns []Column
	rows    [][]string
	indent  string
}

// NewTable creates a table with the given columns.
func NewTable(columns ...Column) *Table {
	return &Table{columns: columns, indent: "  "}
}

// AddRow appends a row, padding short rows with empty cells.
func (t *Table) AddRow(values ...string) *Table {
	for len(values) < len(t.columns) {
		values = append(values, "")
	}
	t.rows = append(t.rows, values)
	return t
}

// Render returns the formatted table.
func (t *Table) Render() string {
	if len(t.columns) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(t.indent)
	for i, col := range t.columns {
		sb.WriteString(pad(Render(Bold, col.Name), col.Width))
		if i < len(t.columns)-1 {
			sb.WriteString("  ")
		}
	}
	sb.WriteString("\n")

	for _, row := range t.rows {
		sb.WriteString(t.indent)
		for i, col := range t.columns {
			cell := row[i]
			if i < len(t.columns)-1 {
				cell = pad(cell, col.Width)
			}
			sb.WriteString(cell)
			if i < len(t.columns)-1 {
				sb.WriteString("  ")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// pad right-pads to width, counting visible characters only so styled
// cells line up with plain ones.
func pad(s string, width int) string {
	visible := len([]rune(ansiRegex.ReplaceAllString(s, "")))
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}
