package analysis

import (
	"fmt"
	"strings"
)

const (
	excerptTailLines = 30
	maxErrorLines    = 20
	maxExcerptLen    = 4000
)

// errorKeywords mark log lines worth surfacing to the analyzer even when
// they scrolled out of the tail. "error C" catches MSVC compiler errors.
var errorKeywords = []string{"Error:", "Critical:", "Fatal:", "error C", "Exception:", "Failed:"}

// ExtractRelevantLog condenses a full build log into the tail plus any
// earlier error lines, bounded in total length to keep prompts small.
func ExtractRelevantLog(text string) string {
	if strings.TrimSpace(text) == "" {
		return "(empty log)"
	}

	lines := strings.Split(text, "\n")
	tailStart := len(lines) - excerptTailLines
	if tailStart < 0 {
		tailStart = 0
	}
	tail := lines[tailStart:]

	var errorLines []string
	for i, line := range lines[:tailStart] {
		if containsAny(line, errorKeywords) {
			errorLines = append(errorLines, fmt.Sprintf("[L%d] %s", i+1, strings.TrimSpace(line)))
		}
	}
	if len(errorLines) > maxErrorLines {
		trimmed := make([]string, 0, maxErrorLines+1)
		trimmed = append(trimmed, errorLines[:10]...)
		trimmed = append(trimmed, "...")
		trimmed = append(trimmed, errorLines[len(errorLines)-10:]...)
		errorLines = trimmed
	}

	var parts []string
	if len(errorLines) > 0 {
		parts = append(parts, "key errors:")
		parts = append(parts, errorLines...)
	}
	parts = append(parts, "recent output:")
	parts = append(parts, tail...)

	result := strings.Join(parts, "\n")
	if len(result) > maxExcerptLen {
		result = result[:maxExcerptLen] + "\n[log truncated]"
	}
	return result
}

func containsAny(line string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(line, kw) {
			return true
		}
	}
	return false
}
