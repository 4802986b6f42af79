// Package output prints CLI results as colored status lines, aligned
// tables or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ANSI attributes.
const (
	FgRed    = 31
	FgGreen  = 32
	FgYellow = 33
	FgCyan   = 36
	FgWhite  = 37
	Bold     = 1
)

// Printer writes to Out and Err. Color is off when NO_COLOR is set.
type Printer struct {
	Out   io.Writer
	Err   io.Writer
	Color bool
}

// New returns a Printer on stdout and stderr.
func New() *Printer {
	_, noColor := os.LookupEnv("NO_COLOR")
	return &Printer{Out: os.Stdout, Err: os.Stderr, Color: !noColor}
}

func (p *Printer) paint(s string, attrs ...int) string {
	if !p.Color || len(attrs) == 0 {
		return s
	}
	codes := make([]string, len(attrs))
	for i, a := range attrs {
		codes[i] = strconv.Itoa(a)
	}
	return "\033[" + strings.Join(codes, ";") + "m" + s + "\033[0m"
}

func (p *Printer) Success(format string, a ...any) {
	fmt.Fprintln(p.Out, p.paint("✓ "+fmt.Sprintf(format, a...), FgGreen, Bold))
}

func (p *Printer) Error(format string, a ...any) {
	fmt.Fprintln(p.Err, p.paint("✗ "+fmt.Sprintf(format, a...), FgRed, Bold))
}

func (p *Printer) Info(format string, a ...any) {
	fmt.Fprintln(p.Out, p.paint(fmt.Sprintf(format, a...), FgCyan))
}

func (p *Printer) Warn(format string, a ...any) {
	fmt.Fprintln(p.Out, p.paint("⚠ "+fmt.Sprintf(format, a...), FgYellow))
}

// JSON writes v indented.
func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table buffers rows and aligns them on Render.
type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

// AddRow appends a row. Missing cells render empty; extra cells are
// dropped.
func (t *Table) AddRow(cells ...string) {
	row := make([]string, len(t.headers))
	copy(row, cells)
	t.rows = append(t.rows, row)
}

// Len is the number of rows.
func (t *Table) Len() int { return len(t.rows) }

func (p *Printer) Render(t *Table) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	var b strings.Builder
	for i, h := range t.headers {
		b.WriteString(p.paint(fmt.Sprintf("%-*s", widths[i], h), FgWhite, Bold))
		b.WriteString("  ")
	}
	fmt.Fprintln(p.Out, strings.TrimRight(b.String(), " "))

	b.Reset()
	for i := range t.headers {
		b.WriteString(strings.Repeat("-", widths[i]))
		b.WriteString("  ")
	}
	fmt.Fprintln(p.Out, strings.TrimRight(b.String(), " "))

	for _, row := range t.rows {
		b.Reset()
		for i, cell := range row {
			fmt.Fprintf(&b, "%-*s  ", widths[i], cell)
		}
		fmt.Fprintln(p.Out, strings.TrimRight(b.String(), " "))
	}
}
