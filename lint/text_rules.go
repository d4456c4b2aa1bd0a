package lint

import (
	"strings"

	"github.com/deicod/crinkle/diagnostics"
	"github.com/deicod/crinkle/format"
)

// ruleTrailingWhitespace flags any line ending in a space or tab.
func ruleTrailingWhitespace(in Input) []diagnostics.Diagnostic {
	var out []diagnostics.Diagnostic
	for i, line := range strings.Split(in.Source, "\n") {
		if len(line) == 0 {
			continue
		}
		last := line[len(line)-1]
		if last == ' ' || last == '\t' {
			pos := diagnostics.Position{Line: i + 1, Column: len(line) + 1}
			out = append(out, diagnostics.NewWithSeverity(diagnostics.StageLinter, diagnostics.UnexpectedToken,
				diagnostics.Warning, "trailing whitespace", diagnostics.Span{Start: pos, End: pos}))
		}
	}
	return out
}

// ruleMixedIndentation flags a leading-whitespace run that mixes tabs and
// spaces on a single line.
func ruleMixedIndentation(in Input) []diagnostics.Diagnostic {
	var out []diagnostics.Diagnostic
	for i, line := range strings.Split(in.Source, "\n") {
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if strings.Contains(indent, " ") && strings.Contains(indent, "\t") {
			pos := diagnostics.Position{Line: i + 1, Column: 1}
			out = append(out, diagnostics.NewWithSeverity(diagnostics.StageLinter, diagnostics.UnexpectedToken,
				diagnostics.Warning, "mixed tabs and spaces in indentation", diagnostics.Span{Start: pos, End: pos}))
		}
	}
	return out
}

// ruleExcessiveBlankLines flags runs of 3 or more consecutive blank lines.
func ruleExcessiveBlankLines(in Input) []diagnostics.Diagnostic {
	var out []diagnostics.Diagnostic
	lines := strings.Split(in.Source, "\n")
	run := 0
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			run++
		} else {
			run = 0
			continue
		}
		if run == 3 {
			pos := diagnostics.Position{Line: i + 1, Column: 1}
			out = append(out, diagnostics.NewWithSeverity(diagnostics.StageLinter, diagnostics.UnexpectedToken,
				diagnostics.Info, "3 or more consecutive blank lines", diagnostics.Span{Start: pos, End: pos}))
		}
	}
	return out
}

// ruleFormatting runs format.Format over the source and reports one Info
// diagnostic per line that differs from the formatted output.
func ruleFormatting(in Input) []diagnostics.Diagnostic {
	formatted, err := format.Format(in.Source)
	if err != nil || formatted == in.Source {
		return nil
	}

	srcLines := strings.Split(in.Source, "\n")
	fmtLines := strings.Split(formatted, "\n")

	var out []diagnostics.Diagnostic
	max := len(srcLines)
	if len(fmtLines) > max {
		max = len(fmtLines)
	}
	for i := 0; i < max; i++ {
		var src, want string
		if i < len(srcLines) {
			src = srcLines[i]
		}
		if i < len(fmtLines) {
			want = fmtLines[i]
		}
		if src == want {
			continue
		}
		pos := diagnostics.Position{Line: i + 1, Column: 1}
		out = append(out, diagnostics.NewWithSeverity(diagnostics.StageLinter, diagnostics.UnexpectedToken,
			diagnostics.Info, "line does not match canonical formatting", diagnostics.Span{Start: pos, End: pos}))
	}
	return out
}
