// Package ui renders CLI output: styled when writing to a terminal, plain
// when piped or under --json.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Color palette, lime accent.
const (
	colorLime   = "154"
	colorGray   = "245"
	colorRed    = "196"
	colorYellow = "220"
)

// Printer writes styled or plain output depending on the destination.
type Printer struct {
	out    io.Writer
	styled bool

	header  lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	errStyle lipgloss.Style
	dim     lipgloss.Style
}

// NewPrinter builds a printer for w. Styling turns on only when w is a
// real terminal; forcePlain (e.g. --json) always disables it.
func NewPrinter(w io.Writer, forcePlain bool) *Printer {
	styled := false
	if !forcePlain {
		if f, ok := w.(*os.File); ok {
			styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	return &Printer{
		out:     w,
		styled:  styled,
		header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorLime)),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color(colorLime)),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color(colorYellow)),
		errStyle: lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed)),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray)),
	}
}

// Styled reports whether output is styled.
func (p *Printer) Styled() bool { return p.styled }

func (p *Printer) render(style lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return style.Render(text)
}

// Header prints a bold section heading.
func (p *Printer) Header(format string, args ...any) {
	fmt.Fprintln(p.out, p.render(p.header, fmt.Sprintf(format, args...)))
}

// Success prints a positive status line.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.out, p.render(p.success, fmt.Sprintf(format, args...)))
}

// Warn prints a warning line.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.out, p.render(p.warning, fmt.Sprintf(format, args...)))
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintln(p.out, p.render(p.errStyle, fmt.Sprintf(format, args...)))
}

// Dim prints secondary detail.
func (p *Printer) Dim(format string, args ...any) {
	fmt.Fprintln(p.out, p.render(p.dim, fmt.Sprintf(format, args...)))
}

// Plain prints an unstyled line.
func (p *Printer) Plain(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}
