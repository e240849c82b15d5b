package output

import "io"

// Option is a functional option for configuring Printer instances.
type Option func(*Printer)

// WithWriter configures the printer to write output to the specified writer.
// Default is os.Stdout if not specified.
func WithWriter(writer io.Writer) Option {
	return func(p *Printer) {
		if writer != nil {
			p.writer = writer
		}
	}
}

// PlainText forces plain text output with semantic prefixes instead of colors.
func PlainText() Option {
	return func(p *Printer) {
		p.plain = true
	}
}

// WithMarkdown renders assistant messages through glamour using style
// ("auto", "dark", "light", "notty" or a JSON style path).
func WithMarkdown(style string) Option {
	return func(p *Printer) {
		p.markdown = true
		if style != "" {
			p.markdownStyle = style
		}
	}
}

// WithWordWrap sets the markdown wrap width.
func WithWordWrap(width int) Option {
	return func(p *Printer) {
		if width > 0 {
			p.wordWrap = width
		}
	}
}

// TestMode configures the printer for deterministic output in tests.
func TestMode() Option {
	return func(p *Printer) {
		p.plain = true
	}
}
