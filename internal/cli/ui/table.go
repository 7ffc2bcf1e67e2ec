// Package ui formats terminal output for the fhirrouter commands.
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Table renders rows under a colored header, columns padded to the
// widest cell
type Table struct {
	writer  io.Writer
	headers []string
	rows    [][]string
	colors  map[int]func(string) *color.Color
	noColor bool
}

// NewTable creates a new table with the given headers
func NewTable(w io.Writer, noColor bool, headers ...string) *Table {
	return &Table{
		writer:  w,
		headers: headers,
		colors:  make(map[int]func(string) *color.Color),
		noColor: noColor,
	}
}

// ColorColumn colors the cells of column i by their value
func (t *Table) ColorColumn(i int, pick func(cell string) *color.Color) {
	t.colors[i] = pick
}

// AddRow adds a row to the table
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Len returns the number of rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Render writes the table
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	header := t.color(color.Bold, color.FgCyan)
	rule := t.color(color.FgHiBlack)

	cells := make([]string, len(t.headers))
	for i, h := range t.headers {
		cells[i] = header.Sprint(padRight(h, widths[i]))
	}
	fmt.Fprintln(t.writer, strings.TrimRight(strings.Join(cells, "  "), " "))

	for i, w := range widths {
		cells[i] = rule.Sprint(strings.Repeat("─", w))
	}
	fmt.Fprintln(t.writer, strings.Join(cells, "  "))

	for _, row := range t.rows {
		out := make([]string, 0, len(widths))
		for i := 0; i < len(widths) && i < len(row); i++ {
			cell := padRight(row[i], widths[i])
			if pick, ok := t.colors[i]; ok && !t.noColor {
				if c := pick(row[i]); c != nil {
					cell = c.Sprint(cell)
				}
			}
			out = append(out, cell)
		}
		fmt.Fprintln(t.writer, strings.TrimRight(strings.Join(out, "  "), " "))
	}
}

func (t *Table) color(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if t.noColor {
		c.DisableColor()
	}
	return c
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// KeyValueTable renders aligned "key: value" lines
type KeyValueTable struct {
	writer  io.Writer
	keys    []string
	values  []string
	noColor bool
}

// NewKeyValueTable creates a new key-value table
func NewKeyValueTable(w io.Writer, noColor bool) *KeyValueTable {
	return &KeyValueTable{writer: w, noColor: noColor}
}

// AddRow adds a key-value pair to the table
func (t *KeyValueTable) AddRow(key, value string) {
	t.keys = append(t.keys, key)
	t.values = append(t.values, value)
}

// Render writes the table
func (t *KeyValueTable) Render() {
	width := 0
	for _, k := range t.keys {
		width = max(width, len(k)+1)
	}

	cyan := color.New(color.FgCyan)
	if t.noColor {
		cyan.DisableColor()
	}
	for i, k := range t.keys {
		cyan.Fprint(t.writer, padRight(k+":", width))
		fmt.Fprintf(t.writer, " %s\n", t.values[i])
	}
}

// MethodColor colors HTTP methods in route listings
func MethodColor(method string) *color.Color {
	switch method {
	case "GET":
		return color.New(color.FgGreen)
	case "POST":
		return color.New(color.FgYellow)
	case "PUT":
		return color.New(color.FgBlue)
	case "DELETE":
		return color.New(color.FgRed)
	default:
		return nil
	}
}
