package shellformat

import (
	"strings"
	"testing"

	"mvdan.cc/sh/v3/syntax"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		opts     []Option
	}{
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
		{
			name:     "whitespace only",
			input:    "   \n\t  ",
			expected: "",
		},
		{
			name:     "extra spaces collapsed",
			input:    "echo   hello",
			expected: "echo hello",
		},
		{
			name:     "redirect gets spaced",
			input:    "echo hello >/tmp/out 2>&1",
			expected: "echo hello > /tmp/out 2>&1",
		},
		{
			name:     "backtick substitution normalized to dollar-paren",
			input:    "echo `date +%Y-%m-%d`",
			expected: "echo $(date +%Y-%m-%d)",
		},
		{
			name:     "parse error returns original",
			input:    `echo "unclosed string`,
			expected: `echo "unclosed string`,
		},
		{
			name:     "quoting preserved",
			input:    `grep -r 'TODO' src/`,
			expected: `grep -r 'TODO' src/`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Format(tt.input, tt.opts...)
			if err != nil {
				t.Fatalf("Format() returned error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Format(%q)\n  got:\n%s\n\n  expected:\n%s", tt.input, got, tt.expected)
			}
		})
	}
}

// TestFormatOutputIsValidBash verifies that the formatted output
// can be re-parsed by the shell parser (roundtrip check).
func TestFormatOutputIsValidBash(t *testing.T) {
	inputs := []string{
		"echo hello && cd /tmp && ls -la || echo failed",
		"cat file | grep foo | sort | uniq -c | sort -rn",
		`if [ -f /tmp/foo ]; then echo exists; else echo missing; fi`,
		"for i in 1 2 3; do echo $i; done",
		"go test ./... >/tmp/test.log 2>&1",
	}

	parser := syntax.NewParser(syntax.KeepComments(true))

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			formatted, err := Format(input)
			if err != nil {
				t.Fatalf("Format() returned error: %v", err)
			}
			if _, err := parser.Parse(strings.NewReader(formatted), ""); err != nil {
				t.Errorf("formatted output is not valid bash:\n%s\n\nparse error: %v", formatted, err)
			}
		})
	}
}
