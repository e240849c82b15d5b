// Package output provides the console output used by the chat CLI and shell.
// A Printer writes semantic lines (info, success, warning, error), chat messages and
// markdown, styled with lipgloss on capable terminals and as plain text otherwise.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"chatclient/internal/logger"
	"chatclient/pkg/chattypes"
)

// SemanticType is the meaning of a line of output.
type SemanticType string

// Semantic types understood by Printer.
const (
	SemanticPlain   SemanticType = "plain"
	SemanticInfo    SemanticType = "info"
	SemanticSuccess SemanticType = "success"
	SemanticWarning SemanticType = "warning"
	SemanticError   SemanticType = "error"
	SemanticMuted   SemanticType = "muted"
)

var plainPrefixes = map[SemanticType]string{
	SemanticInfo:    "ℹ ",
	SemanticSuccess: "✓ ",
	SemanticWarning: "⚠ ",
	SemanticError:   "✗ ",
}

var styles = map[SemanticType]lipgloss.Style{
	SemanticInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	SemanticSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	SemanticWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	SemanticError:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	SemanticMuted:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
}

var roleStyles = map[chattypes.Role]lipgloss.Style{
	chattypes.RoleUser:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")),
	chattypes.RoleAssistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
	chattypes.RoleSystem:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("244")),
}

// Printer writes chat client output. It is safe for concurrent use.
type Printer struct {
	writer        io.Writer
	plain         bool
	markdown      bool
	markdownStyle string
	wordWrap      int
	renderer      *glamour.TermRenderer

	mu sync.Mutex
}

// NewPrinter creates a Printer writing to os.Stdout. Styling follows the terminal color
// profile unless an option forces plain text.
func NewPrinter(options ...Option) *Printer {
	p := &Printer{
		writer:        os.Stdout,
		plain:         lipgloss.ColorProfile() == termenv.Ascii,
		markdownStyle: "auto",
		wordWrap:      80,
	}
	for _, opt := range options {
		opt(p)
	}
	if p.markdown {
		p.renderer = p.newRenderer()
	}
	return p
}

func (p *Printer) newRenderer() *glamour.TermRenderer {
	style := glamour.WithAutoStyle()
	switch {
	case p.plain:
		style = glamour.WithStandardStyle("notty")
	case p.markdownStyle != "" && p.markdownStyle != "auto":
		style = glamour.WithStylePath(p.markdownStyle)
	}

	renderer, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(p.wordWrap))
	if err != nil {
		logger.Debug("Failed to create markdown renderer, printing raw text", "style", p.markdownStyle, "error", err)
		return nil
	}
	return renderer
}

// Print writes text as is.
func (p *Printer) Print(text string) {
	p.write(text)
}

// Printf writes formatted text.
func (p *Printer) Printf(format string, args ...interface{}) {
	p.write(fmt.Sprintf(format, args...))
}

// Println writes text followed by a newline.
func (p *Printer) Println(text string) {
	p.line(SemanticPlain, text)
}

// Info writes an informational line.
func (p *Printer) Info(text string) {
	p.line(SemanticInfo, text)
}

// Success writes a success line.
func (p *Printer) Success(text string) {
	p.line(SemanticSuccess, text)
}

// Warning writes a warning line.
func (p *Printer) Warning(text string) {
	p.line(SemanticWarning, text)
}

// Error writes an error line.
func (p *Printer) Error(text string) {
	p.line(SemanticError, text)
}

// Muted writes a de-emphasized line.
func (p *Printer) Muted(text string) {
	p.line(SemanticMuted, text)
}

// Role returns the label for a message author.
func (p *Printer) Role(role chattypes.Role) string {
	label := string(role) + ":"
	if p.plain {
		return label
	}
	style, ok := roleStyles[role]
	if !ok {
		return label
	}
	return style.Render(label)
}

// Message writes one conversation message: a role label, then its content.
func (p *Printer) Message(msg chattypes.Message) {
	content := msg.Content
	if msg.Role == chattypes.RoleAssistant {
		content = p.Markdown(content)
	}
	p.write(p.Role(msg.Role) + " " + strings.TrimRight(content, "\n") + "\n")
}

// Markdown renders text with glamour when markdown is enabled and returns it unchanged otherwise.
func (p *Printer) Markdown(text string) string {
	if p.renderer == nil || strings.TrimSpace(text) == "" {
		return text
	}
	rendered, err := p.renderer.Render(text)
	if err != nil {
		logger.Debug("Failed to render markdown", "error", err)
		return text
	}
	return strings.Trim(rendered, "\n")
}

// IsStylable reports whether output carries ANSI styling.
func (p *Printer) IsStylable() bool {
	return !p.plain
}

func (p *Printer) line(semantic SemanticType, text string) {
	var rendered string
	if p.plain {
		rendered = plainPrefixes[semantic] + text
	} else if style, ok := styles[semantic]; ok {
		rendered = style.Render(text)
	} else {
		rendered = text
	}
	if !strings.HasSuffix(rendered, "\n") {
		rendered += "\n"
	}
	p.write(rendered)
}

func (p *Printer) write(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprint(p.writer, text)
}
