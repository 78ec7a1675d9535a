package verify

import (
	"fmt"
	"regexp"

	"github.com/clocksmith/reploid/caps"
)

// Literal write-like calls whose target path can be extracted statically.
// Only string-literal targets are checkable here; dynamic targets are the
// tool runner's problem at dispatch time.
var writeCallPatterns = []*regexp.Regexp{
	regexp.MustCompile(`VFS\.write\s*\(\s*["'` + "`" + `]([^"'` + "`" + `]+)["'` + "`" + `]`),
	regexp.MustCompile(`VFS\.delete\s*\(\s*["'` + "`" + `]([^"'` + "`" + `]+)["'` + "`" + `]`),
	regexp.MustCompile(`\b(?:WriteFile|DeleteFile)\b[^)]*?path\s*[:=]\s*["'` + "`" + `]([^"'` + "`" + `]+)["'` + "`" + `]`),
}

// checkCapabilities extracts literal write targets from one file and
// checks each through the shared write relation.
func checkCapabilities(path string, content []byte, matrix *caps.Matrix) (errs []string, events []Event) {
	text := string(content)
	for _, re := range writeCallPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			target := m[len(m)-1]
			if matrix.CanWriteTo(path, target) {
				continue
			}
			errs = append(errs, fmt.Sprintf("capability violation: %s may not write to %s", path, target))
			events = append(events, Event{Topic: topicCapability, Payload: map[string]any{
				"source": path, "target": target,
			}})
		}
	}
	return errs, events
}
