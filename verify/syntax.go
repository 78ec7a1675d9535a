package verify

import (
	"fmt"
	"regexp"

	"github.com/dop251/goja/parser"
)

// reExportDefault matches the default-export form that jsrt rewrites to a
// CommonJS assignment before compiling.
var reExportDefault = regexp.MustCompile(`(?m)^\s*export\s+default\b`)

// checkSyntax parses the file without executing it, with a default export
// rewritten the way jsrt loads it. A parse failure is a verification
// error.
func checkSyntax(path string, content []byte) (errs []string, events []Event) {
	src := reExportDefault.ReplaceAllString(string(content), "module.exports =")
	_, err := parser.ParseFile(nil, path, src, 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("Syntax Error in %s: %v", path, err))
		events = append(events, Event{Topic: topicSyntax, Payload: map[string]any{
			"path": path, "error": err.Error(),
		}})
	}
	return errs, events
}
