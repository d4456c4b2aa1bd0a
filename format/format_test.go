package format

import "testing"

func TestCanonicalFormatter(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "TrimsTrailingWhitespace",
			input:    "hello   \nworld\t\n",
			expected: "hello\nworld\n",
		},
		{
			name:     "CollapsesBlankRuns",
			input:    "a\n\n\n\nb\n",
			expected: "a\n\nb\n",
		},
		{
			name:     "NormalizesCRLF",
			input:    "a\r\nb\r\n",
			expected: "a\nb\n",
		},
		{
			name:     "EnsuresSingleTrailingNewline",
			input:    "a\n\n\n",
			expected: "a\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Format(tt.input)
			if err != nil {
				t.Fatalf("Format returned error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Format(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCanonicalFormatterIdempotent(t *testing.T) {
	inputs := []string{
		"{% for x in items %}\n  {{ x }}\n{% endfor %}\n",
		"a   \n\n\n\nb\n",
		"",
	}

	for _, input := range inputs {
		first, err := Format(input)
		if err != nil {
			t.Fatalf("Format returned error: %v", err)
		}
		second, err := Format(first)
		if err != nil {
			t.Fatalf("Format returned error on second pass: %v", err)
		}
		if first != second {
			t.Errorf("Format not idempotent for %q: first=%q second=%q", input, first, second)
		}
	}
}
