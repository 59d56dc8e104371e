// Package ui renders command output. Colors follow the terminal's
// profile and are dropped entirely when stdout is not a terminal, so
// piped output stays plain.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var defaultRenderer = NewRenderer()

// RenderAccent styles s with the default renderer.
func RenderAccent(s string) string { return defaultRenderer.Accent(s) }

// RenderPass styles s as a success marker.
func RenderPass(s string) string { return defaultRenderer.Pass(s) }

// RenderWarn styles s as a warning marker.
func RenderWarn(s string) string { return defaultRenderer.Warn(s) }

// RenderFail styles s as a failure marker.
func RenderFail(s string) string { return defaultRenderer.Fail(s) }

// Enabled reports whether styled output makes sense: stdout is a
// terminal and the environment has not asked for plain text.
func Enabled() bool {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

// Renderer styles strings and lays out tables. A disabled renderer
// passes text through untouched.
type Renderer struct {
	enabled bool

	accent lipgloss.Style
	pass   lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	muted  lipgloss.Style
	header lipgloss.Style
	border lipgloss.Style
}

// NewRenderer auto-detects whether styling is available.
func NewRenderer() *Renderer {
	return NewRendererFor(Enabled())
}

// NewRendererFor builds a renderer with styling forced on or off.
func NewRendererFor(enabled bool) *Renderer {
	r := &Renderer{enabled: enabled}
	if !enabled {
		plain := lipgloss.NewStyle()
		r.accent, r.pass, r.warn, r.fail, r.muted, r.border = plain, plain, plain, plain, plain, plain
		r.header = plain
		return r
	}
	r.accent = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	r.pass = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	r.warn = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	r.fail = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	r.muted = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	r.header = lipgloss.NewStyle().Bold(true)
	r.border = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	return r
}

func (r *Renderer) Accent(s string) string { return r.accent.Render(s) }
func (r *Renderer) Pass(s string) string   { return r.pass.Render(s) }
func (r *Renderer) Warn(s string) string   { return r.warn.Render(s) }
func (r *Renderer) Fail(s string) string   { return r.fail.Render(s) }
func (r *Renderer) Muted(s string) string  { return r.muted.Render(s) }
func (r *Renderer) Header(s string) string { return r.header.Render(s) }

// KeyValues lays out label/value pairs with aligned labels.
func (r *Renderer) KeyValues(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}

	var b strings.Builder
	for _, p := range pairs {
		label := p[0] + strings.Repeat(" ", width-len(p[0]))
		fmt.Fprintf(&b, "%s  %s\n", r.muted.Render(label), p[1])
	}
	return b.String()
}

// Table renders headers and rows inside a rounded border.
func (r *Renderer) Table(headers []string, rows [][]string) string {
	styled := make([]string, len(headers))
	for i, h := range headers {
		styled[i] = r.header.Render(h)
	}

	cell := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(r.border).
		StyleFunc(func(row, col int) lipgloss.Style { return cell }).
		Headers(styled...).
		Rows(rows...)
	return t.String()
}
