// Package report renders query results as bordered text tables for the
// command-line tools.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/gutenberg-word-index/internal/corpus"
)

type Table struct {
	Columns []string
	Rows    [][]string
}

// Words is one row per word.
func Words(results []corpus.WordFrequency) Table {
	t := Table{Columns: []string{"frequency", "word"}}
	for _, r := range results {
		t.Rows = append(t.Rows, []string{strconv.Itoa(r.Frequency), r.Word})
	}
	return t
}

// Documents is one block per ebook. The first row carries the frequency,
// ebook id, first title line and first author; further title lines and
// authors fill continuation rows below it.
func Documents(results []corpus.DocumentFrequency) Table {
	t := Table{Columns: []string{"frequency", "ebook_id", "title", "author"}}
	for _, r := range results {
		titles := strings.Split(r.Title, "\n")
		height := max(len(titles), len(r.Authors))
		for i := 0; i < height; i++ {
			row := make([]string, 4)
			if i == 0 {
				row[0] = strconv.Itoa(r.Frequency)
				row[1] = strconv.FormatInt(r.DocumentID, 10)
			}
			if i < len(titles) {
				row[2] = strings.TrimRight(titles[i], "\r")
			}
			if i < len(r.Authors) {
				row[3] = r.Authors[i]
			}
			t.Rows = append(t.Rows, row)
		}
	}
	return t
}

// Render writes t with a separator line above and below the header and
// after the last row. Cells are left aligned.
func (t Table) Render(w io.Writer) error {
	widths := make([]int, len(t.Columns))
	for i, c := range t.Columns {
		widths[i] = utf8.RuneCountInString(c)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			widths[i] = max(widths[i], utf8.RuneCountInString(cell))
		}
	}

	var sep strings.Builder
	sep.WriteByte('+')
	for _, n := range widths {
		sep.WriteString(strings.Repeat("-", n))
		sep.WriteByte('+')
	}
	line := func(cells []string) string {
		var b strings.Builder
		b.WriteByte('|')
		for i, n := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			b.WriteString(cell)
			b.WriteString(strings.Repeat(" ", n-utf8.RuneCountInString(cell)))
			b.WriteByte('|')
		}
		return b.String()
	}

	lines := []string{sep.String(), line(t.Columns), sep.String()}
	for _, row := range t.Rows {
		lines = append(lines, line(row))
	}
	lines = append(lines, sep.String())
	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}
