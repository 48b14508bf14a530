// Package output provides consistent CLI output formatting with progress
// indicators that only render on terminals.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/Aman-CERP/docindex/internal/search"
)

// Writer provides formatted output for CLI.
type Writer struct {
	out      io.Writer
	terminal bool
}

// New creates a new output Writer. Icons and progress bars are used only
// when out is a terminal.
func New(out io.Writer) *Writer {
	return &Writer{
		out:      out,
		terminal: IsTerminal(out),
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Terminal reports whether the writer renders for a terminal.
func (w *Writer) Terminal() bool {
	return w.terminal
}

// Status prints a status message with an icon.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message.
func (w *Writer) Success(msg string) {
	w.Status(w.icon("✅", "ok:"), msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status(w.icon("⚠️ ", "warning:"), msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status(w.icon("❌", "error:"), msg)
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

func (w *Writer) icon(tty, plain string) string {
	if w.terminal {
		return tty
	}
	return plain
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// Progress prints an in-place progress bar. It is a no-op when the writer
// is not a terminal, so piped output stays clean.
func (w *Writer) Progress(current, total int, msg string) {
	if !w.terminal || total <= 0 {
		return
	}

	pct := float64(current) / float64(total) * 100
	bar := renderProgressBar(current, total, 30)
	_, _ = fmt.Fprintf(w.out, "\r[%s] %.0f%% %s", bar, pct, msg)

	if current >= total {
		_, _ = fmt.Fprintln(w.out)
	}
}

// renderProgressBar creates a text progress bar.
func renderProgressBar(current, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}

	filled := int(float64(current) / float64(total) * float64(width))
	filled = max(0, min(filled, width))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// Response prints a search response as numbered text results.
func (w *Writer) Response(query string, resp search.Response) {
	switch resp.Kind {
	case search.KindError:
		if resp.UsedFallback {
			w.Errorf("no documents matched %q and no answer could be generated: %s", query, resp.Error)
		} else {
			w.Errorf("search failed: %s", resp.Error)
		}
		return
	case search.KindGenerated:
		w.Warningf("no documents matched %q; generated answer:", query)
		w.Newline()
		for _, r := range resp.Results {
			_, _ = fmt.Fprintln(w.out, r.Preview)
		}
		return
	}
	w.Results(query, resp.Results)
}

// Results prints ranked results.
func (w *Writer) Results(query string, results []search.Result) {
	if len(results) == 0 {
		_, _ = fmt.Fprintf(w.out, "No results for %q\n", query)
		return
	}
	for i, r := range results {
		_, _ = fmt.Fprintf(w.out, "%2d. %s  (%.4f)\n", i+1, r.Title, r.Score)
		if r.Path != "" {
			_, _ = fmt.Fprintf(w.out, "    %s\n", r.Path)
		}
		if preview := strings.Join(strings.Fields(r.Preview), " "); preview != "" {
			_, _ = fmt.Fprintf(w.out, "    %s\n", preview)
		}
	}
}

// JSON writes v as indented JSON.
func (w *Writer) JSON(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
