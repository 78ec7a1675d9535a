package verify

import (
	"fmt"
	"regexp"
	"strings"
)

// Complexity thresholds for unprivileged code. Over-threshold values are
// warnings, never errors: complexity is a smell, not a violation.
const (
	maxLinesOfCode  = 500
	maxFunctions    = 20
	maxNestingDepth = 5
	maxLongLines    = 5
	longLineChars   = 200
)

var reFunctionDecl = regexp.MustCompile(`\bfunction\b|=>`)

// checkComplexity applies the heuristics to one unprivileged file.
func checkComplexity(path string, content []byte) (warns []string, events []Event) {
	text := string(content)
	lines := strings.Split(text, "\n")

	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		warns = append(warns, msg)
		events = append(events, Event{Topic: topicComplexity, Payload: map[string]any{
			"path": path, "warning": msg,
		}})
	}

	if len(lines) > maxLinesOfCode {
		warn("%s has %d lines (max %d)", path, len(lines), maxLinesOfCode)
	}
	if n := len(reFunctionDecl.FindAllString(text, -1)); n > maxFunctions {
		warn("%s declares %d functions (max %d)", path, n, maxFunctions)
	}
	if depth := maxBraceNesting(text); depth > maxNestingDepth {
		warn("%s nests %d levels deep (max %d)", path, depth, maxNestingDepth)
	}
	long := 0
	for _, l := range lines {
		if len(l) > longLineChars {
			long++
		}
	}
	if long > maxLongLines {
		warn("%s has %d lines over %d chars (max %d)", path, long, longLineChars, maxLongLines)
	}
	return warns, events
}

// maxBraceNesting counts peak brace depth with a single pass aware of
// string literals and both comment styles, so braces inside strings or
// comments never count.
func maxBraceNesting(text string) int {
	depth, peak := 0, 0
	var inLine, inBlock bool
	var str byte // active string delimiter, 0 = none
	var escaped bool

	for i := 0; i < len(text); i++ {
		c := text[i]
		next := byte(0)
		if i+1 < len(text) {
			next = text[i+1]
		}
		switch {
		case inLine:
			if c == '\n' {
				inLine = false
			}
		case inBlock:
			if c == '*' && next == '/' {
				inBlock = false
				i++
			}
		case str != 0:
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == str:
				str = 0
			}
		case c == '/' && next == '/':
			inLine = true
			i++
		case c == '/' && next == '*':
			inBlock = true
			i++
		case c == '"' || c == '\'' || c == '`':
			str = c
		case c == '{':
			depth++
			if depth > peak {
				peak = depth
			}
		case c == '}':
			if depth > 0 {
				depth--
			}
		}
	}
	return peak
}
