// Package printer formats quire's terminal output: status lines, problem
// reports for failed commands and page outlines.
package printer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dyluth/quire/pkg/document"
	"github.com/fatih/color"
)

func init() {
	// Colour stays on when piped; NO_COLOR turns it off.
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

// Stdout and Stderr receive status lines and problem reports.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
	bold   = color.New(color.Bold)
)

func mark(c *color.Color, symbol, format string, a ...any) {
	c.Fprintf(Stdout, "%s %s", symbol, fmt.Sprintf(format, a...))
}

// Success reports a finished write or sync.
func Success(format string, a ...any) { mark(green, "✓", format, a...) }

// Warning reports something the user may need to act on later, such as
// unacknowledged updates left in the outbox.
func Warning(format string, a ...any) { mark(yellow, "!", format, a...) }

// Step reports progress of a long-running command.
func Step(format string, a ...any) { mark(cyan, "→", format, a...) }

// Info prints uncoloured detail under a status line.
func Info(format string, a ...any) {
	fmt.Fprintf(Stdout, format, a...)
}

// Problem is a command failure explained for the terminal. Context lists the
// settings involved and is printed sorted by key.
type Problem struct {
	Title       string
	Explanation string
	Context     map[string]string
	Suggestions []string
}

// Report writes the problem to Stderr and returns an error holding only the
// title. The root command silences cobra's own error print.
func (p Problem) Report() error {
	red.Fprintf(Stderr, "%s\n\n", p.Title)
	if p.Explanation != "" {
		fmt.Fprintf(Stderr, "%s\n", p.Explanation)
	}

	if len(p.Context) > 0 {
		keys := make([]string, 0, len(p.Context))
		width := 0
		for k := range p.Context {
			keys = append(keys, k)
			width = max(width, len(k))
		}
		sort.Strings(keys)
		fmt.Fprintln(Stderr)
		for _, k := range keys {
			fmt.Fprintf(Stderr, "  %-*s %s\n", width+1, k+":", p.Context[k])
		}
	}

	switch len(p.Suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(Stderr, "\n%s\n", p.Suggestions[0])
	default:
		fmt.Fprintf(Stderr, "\nEither:\n")
		for i, s := range p.Suggestions {
			fmt.Fprintf(Stderr, "  %d. %s\n", i+1, strings.ReplaceAll(s, "\n", "\n     "))
		}
	}
	return errors.New(p.Title)
}

// Error reports a failure with an explanation and suggested fixes.
func Error(title, explanation string, suggestions []string) error {
	return Problem{Title: title, Explanation: explanation, Suggestions: suggestions}.Report()
}

// ErrorWithContext is Error with the settings involved listed.
func ErrorWithContext(title, explanation string, context map[string]string, suggestions []string) error {
	return Problem{Title: title, Explanation: explanation, Context: context, Suggestions: suggestions}.Report()
}

// Tree writes a block and its descendants as an indented outline, one block
// per line. Block types other than paragraph are shown as a faint prefix.
func Tree(w io.Writer, root *document.BlockJSON) {
	var visit func(b *document.BlockJSON, depth int)
	visit = func(b *document.BlockJSON, depth int) {
		indent := strings.Repeat("  ", depth)
		switch {
		case b.BlockType.IsPage():
			title := b.Content
			if title == "" {
				title = "(untitled)"
			}
			bold.Fprintf(w, "%s%s", indent, title)
			faint.Fprintf(w, "  %s\n", b.ID)
		case b.BlockType == document.BlockTypeParagraph:
			fmt.Fprintf(w, "%s%s\n", indent, b.Content)
		default:
			faint.Fprintf(w, "%s[%s] ", indent, b.BlockType)
			fmt.Fprintf(w, "%s\n", b.Content)
		}
		for _, c := range b.Children {
			visit(c, depth+1)
		}
	}
	visit(root, 0)
}
