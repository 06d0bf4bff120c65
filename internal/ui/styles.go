// Package ui styles CLI output. Colors are dropped automatically when the
// output is not a terminal or NO_COLOR is set.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Colors used throughout the CLI.
var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#0077AA", Dark: "#00BFFF"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#008800", Dark: "#00D75F"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#AA7700", Dark: "#FFD700"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#CC0000", Dark: "#FF5F5F"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#8A8A8A"}
)

var (
	AccentStyle = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true)

	PassStyle = lipgloss.NewStyle().
			Foreground(ColorPass)

	WarnStyle = lipgloss.NewStyle().
			Foreground(ColorWarn)

	FailStyle = lipgloss.NewStyle().
			Foreground(ColorFail).
			Bold(true)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Underline(true)

	KeyStyle = lipgloss.NewStyle().
			Foreground(ColorMuted).
			Width(14)
)

func init() {
	if !IsTerminal(os.Stdout) || os.Getenv("NO_COLOR") != "" {
		DisableColor()
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// DisableColor renders every style as plain text.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// EnableColor forces true-color rendering, for tests and --color=always.
func EnableColor() {
	lipgloss.SetColorProfile(termenv.TrueColor)
}

func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }

// KeyValue writes an aligned "key  value" line.
func KeyValue(w io.Writer, key string, value any) {
	_, _ = fmt.Fprintf(w, "%s %v\n", KeyStyle.Render(key), value)
}

// Table writes rows under a header with columns padded to the widest cell.
func Table(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if n := lipgloss.Width(row[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			pad := strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			if style != nil {
				cell = style.Render(cell)
			}
			parts[i] = cell + pad
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	_, _ = fmt.Fprintln(w, line(header, &HeaderStyle))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, line(row, nil))
	}
}
