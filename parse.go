package reploid

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Text tool-call wire format, for models without native tool calling:
//
//	TOOL_CALL: <Name>
//	ARGS: <json>
//
// The parser extracts every occurrence from assistant content.
var reTextToolCall = regexp.MustCompile(`(?m)^TOOL_CALL:\s*([A-Za-z_][A-Za-z0-9_]*)\s*$`)

// ParseTextToolCalls extracts text-format tool calls from assistant
// content. ARGS must be a JSON object on the lines following the
// TOOL_CALL line; a call without parseable ARGS gets empty args.
func ParseTextToolCalls(content string) []ToolCall {
	locs := reTextToolCall.FindAllStringSubmatchIndex(content, -1)
	if len(locs) == 0 {
		return nil
	}
	var calls []ToolCall
	for i, loc := range locs {
		name := content[loc[2]:loc[3]]
		// The args region runs from the end of this TOOL_CALL line to the
		// start of the next one (or end of content).
		regionEnd := len(content)
		if i+1 < len(locs) {
			regionEnd = locs[i+1][0]
		}
		region := content[loc[1]:regionEnd]
		args := extractArgsJSON(region)
		calls = append(calls, ToolCall{ID: NewID(), Name: name, Args: args})
	}
	return calls
}

// extractArgsJSON finds the ARGS: marker and returns the first balanced
// JSON object after it. Returns "{}" when absent or unparseable.
func extractArgsJSON(region string) json.RawMessage {
	idx := strings.Index(region, "ARGS:")
	if idx < 0 {
		return json.RawMessage("{}")
	}
	rest := strings.TrimSpace(region[idx+len("ARGS:"):])
	start := strings.IndexByte(rest, '{')
	if start < 0 {
		return json.RawMessage("{}")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(rest); i++ {
		c := rest[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				candidate := rest[start : i+1]
				if json.Valid([]byte(candidate)) {
					return json.RawMessage(candidate)
				}
				return json.RawMessage("{}")
			}
		}
	}
	return json.RawMessage("{}")
}
