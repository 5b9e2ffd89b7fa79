// Package diff prints line diffs of deployed files for the --diff flag.
package diff

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Context is the number of unchanged lines shown around each change.
const Context = 3

var (
	header  = color.New(color.Bold).SprintFunc()
	added   = color.New(color.FgGreen).SprintFunc()
	removed = color.New(color.FgRed).SprintFunc()
	elided  = color.New(color.FgCyan).SprintFunc()
)

// Fprint writes the difference between the old and new content of path to w.
// Nothing is written when the contents are equal.
func Fprint(w io.Writer, path string, old, new []byte) error {
	if bytes.Equal(old, new) {
		return nil
	}

	if _, err := fmt.Fprintln(w, header(fmt.Sprintf("--- %s", path))); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, header(fmt.Sprintf("+++ %s", path))); err != nil {
		return err
	}

	if isBinary(old) || isBinary(new) {
		_, err := fmt.Fprintln(w, "binary content differs")
		return err
	}

	for _, l := range Lines(string(old), string(new)) {
		var err error
		switch l.Op {
		case Insert:
			_, err = fmt.Fprintln(w, added("+"+l.Text))
		case Delete:
			_, err = fmt.Fprintln(w, removed("-"+l.Text))
		case Skip:
			_, err = fmt.Fprintln(w, elided(l.Text))
		default:
			_, err = fmt.Fprintln(w, " "+l.Text)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Op is the kind of a diff line.
type Op int

const (
	Equal Op = iota
	Insert
	Delete
	Skip // marks elided unchanged lines
)

// Line is one line of diff output without its trailing newline.
type Line struct {
	Op   Op
	Text string
}

// Lines computes a line diff of old and new, keeping Context unchanged lines
// around every change.
func Lines(old, new string) []Line {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(old, new)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out []Line
	for i, d := range diffs {
		text := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			for _, t := range text {
				out = append(out, Line{Op: Insert, Text: t})
			}
		case diffmatchpatch.DiffDelete:
			for _, t := range text {
				out = append(out, Line{Op: Delete, Text: t})
			}
		case diffmatchpatch.DiffEqual:
			out = append(out, equal(text, i == 0, i == len(diffs)-1)...)
		}
	}
	return out
}

// equal trims a run of unchanged lines down to the context around changes.
func equal(text []string, first, last bool) []Line {
	head, tail := Context, Context
	if first {
		head = 0
	}
	if last {
		tail = 0
	}

	var out []Line
	if len(text) <= head+tail {
		for _, t := range text {
			out = append(out, Line{Op: Equal, Text: t})
		}
		return out
	}

	for _, t := range text[:head] {
		out = append(out, Line{Op: Equal, Text: t})
	}
	out = append(out, Line{Op: Skip, Text: fmt.Sprintf("@@ %d unchanged lines @@", len(text)-head-tail)})
	for _, t := range text[len(text)-tail:] {
		out = append(out, Line{Op: Equal, Text: t})
	}
	return out
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return []string{""}
	}
	return strings.Split(s, "\n")
}

func isBinary(b []byte) bool {
	return bytes.IndexByte(b, 0) >= 0
}
