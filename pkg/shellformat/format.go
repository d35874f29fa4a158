// Package shellformat normalizes shell one-liners for log output.
//
// It parses commands with mvdan.cc/sh/v3/syntax (the shfmt parser) and
// reprints them with consistent spacing and indentation, so that the
// commands recorded in worker logs read the same regardless of how they
// were written in the workflow file.
package shellformat

import (
	"bytes"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Option configures the formatter.
type Option func(*config)

// Variant represents a shell language variant.
type Variant int

const (
	// Bash is the default shell variant (GNU Bash).
	Bash Variant = iota
	// POSIX is the POSIX-compliant shell variant.
	POSIX
)

type config struct {
	indent  int
	variant Variant
}

// WithIndent sets the indentation width in spaces (default: 2).
func WithIndent(n int) Option {
	return func(c *config) { c.indent = n }
}

// WithVariant sets the shell language variant (default: Bash).
func WithVariant(v Variant) Option {
	return func(c *config) { c.variant = v }
}

func (c *config) syntaxVariant() syntax.LangVariant {
	if c.variant == POSIX {
		return syntax.LangPOSIX
	}
	return syntax.LangBash
}

// Format parses a shell one-liner and reprints it in canonical form.
// On parse error, the original input is returned unchanged with a nil
// error so that malformed commands still show up in logs as written.
func Format(input string, opts ...Option) (string, error) {
	cfg := &config{indent: 2, variant: Bash}
	for _, opt := range opts {
		opt(cfg)
	}

	input = strings.TrimSpace(input)
	if input == "" {
		return "", nil
	}

	parser := syntax.NewParser(
		syntax.Variant(cfg.syntaxVariant()),
		syntax.KeepComments(true),
	)
	prog, err := parser.Parse(strings.NewReader(input), "")
	if err != nil {
		return input, nil
	}

	printer := syntax.NewPrinter(
		syntax.Indent(uint(cfg.indent)),
		syntax.SpaceRedirects(true),
		syntax.BinaryNextLine(true),
	)
	var buf bytes.Buffer
	if err := printer.Print(&buf, prog); err != nil {
		return input, nil
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
