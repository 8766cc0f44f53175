package console

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

type Printer struct {
	stream   io.Writer
	indent   string
	renderer *lipgloss.Renderer

	warnStyle    lipgloss.Style
	successStyle lipgloss.Style
	errorStyle   lipgloss.Style
}

// NewPrinter creates a Printer writing to stream. Colors are dropped when noColor is
// set or NO_COLOR is present in the environment, otherwise they are always rendered
// so piped CI logs keep them.
func NewPrinter(stream io.Writer, noColor bool) *Printer {
	renderer := lipgloss.NewRenderer(stream)

	if _, ok := os.LookupEnv("NO_COLOR"); ok || noColor {
		renderer.SetColorProfile(termenv.Ascii)
	} else {
		renderer.SetColorProfile(termenv.ANSI256)
	}

	return &Printer{
		stream:       stream,
		indent:       "  ",
		renderer:     renderer,
		warnStyle:    renderer.NewStyle().Foreground(lipgloss.Color("33")),
		successStyle: renderer.NewStyle().Foreground(lipgloss.Color("32")),
		errorStyle:   renderer.NewStyle().Foreground(lipgloss.Color("31")),
	}
}

// Renderer returns the renderer used for styles, so tables match the printer's profile.
func (p *Printer) Renderer() *lipgloss.Renderer {
	return p.renderer
}

func (p *Printer) Info(emoji string, format string, a ...any) (n int, err error) {
	prefix := p.indent + withEmoji(emoji)
	return fmt.Fprintf(p.stream, prefix+format+"\n", a...)
}

func (p *Printer) Success(emoji string, format string, a ...any) (n int, err error) {
	prefix := p.indent + withEmoji(emoji)
	return fmt.Fprintln(p.stream, p.successStyle.Render(fmt.Sprintf(prefix+format, a...)))
}

func (p *Printer) Warn(emoji string, format string, a ...any) (n int, err error) {
	prefix := p.indent + withEmoji(emoji)
	return fmt.Fprintln(p.stream, p.warnStyle.Render(fmt.Sprintf(prefix+format, a...)))
}

func (p *Printer) Error(emoji string, format string, a ...any) (n int, err error) {
	prefix := p.indent + withEmoji(emoji)
	return fmt.Fprintln(p.stream, p.errorStyle.Render(fmt.Sprintf(prefix+format, a...)))
}

func withEmoji(emoji string) string {
	if emoji == "" {
		return ""
	}
	return emoji + " "
}
