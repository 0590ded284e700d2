package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// columnGap separates table columns.
const columnGap = 2

// textTable is a borderless table with a bold header row. Numeric columns
// are right aligned.
type textTable struct {
	headers []string
	right   map[int]bool
	rows    [][]string
}

func newTextTable(headers ...string) *textTable {
	return &textTable{headers: headers, right: make(map[int]bool)}
}

// alignRight marks columns whose cells are right aligned.
func (t *textTable) alignRight(cols ...int) *textTable {
	for _, c := range cols {
		t.right[c] = true
	}
	return t
}

func (t *textTable) row(cells ...string) {
	t.rows = append(t.rows, cells)
}

// render lays the table out for os.Stdout. Styling is dropped when stdout
// is not a terminal.
func (t *textTable) render(indent int) string {
	r := lipgloss.NewRenderer(os.Stdout)
	header := r.NewStyle().Bold(true)
	cell := r.NewStyle()
	last := len(t.headers) - 1

	tbl := table.New().
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		BorderRow(false).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := cell
			if row == table.HeaderRow {
				s = header
			}
			if col == 0 {
				s = s.PaddingLeft(indent)
			}
			if col != last {
				s = s.PaddingRight(columnGap)
			}
			if t.right[col] {
				s = s.Align(lipgloss.Right)
			}
			return s
		}).
		Headers(t.headers...).
		Rows(t.rows...)
	return tbl.String()
}

// printTable writes t to stdout unless quiet is set.
func printTable(t *textTable, indent int) {
	printInfo("%s\n", t.render(indent))
}
