package verify

import (
	"fmt"
	"regexp"

	"golang.org/x/text/unicode/norm"

	"github.com/clocksmith/reploid/caps"
)

// Pattern is one entry in the dangerous-pattern catalog. The catalog is
// data: extending policy means adding a row, not code.
type Pattern struct {
	ID       string
	Category string
	Regex    *regexp.Regexp
	Severity string // "error" or "warning"
	// RequiresCap names the capability that legitimizes the match
	// ("eval", "network", "fs", "process"). Empty means the pattern is
	// never legitimate for unprivileged paths and is skipped entirely
	// for privileged ones.
	RequiresCap string
	Message     string
}

const (
	severityError   = "error"
	severityWarning = "warning"
)

// dangerousPatterns is the fixed catalog, categorized as in the original
// substrate: injection, prototype pollution, execution, filesystem,
// network, storage, DOM, process, infinite loops.
var dangerousPatterns = []Pattern{
	// Injection
	{ID: "eval", Category: "injection", Regex: regexp.MustCompile(`\beval\s*\(`), Severity: severityError, RequiresCap: "eval", Message: "eval() is forbidden"},
	{ID: "new-function", Category: "injection", Regex: regexp.MustCompile(`\bnew\s+Function\s*\(`), Severity: severityError, RequiresCap: "eval", Message: "new Function() is forbidden"},
	{ID: "settimeout-string", Category: "injection", Regex: regexp.MustCompile(`\bsetTimeout\s*\(\s*["'` + "`" + `]`), Severity: severityError, RequiresCap: "eval", Message: "setTimeout with a string argument is forbidden"},
	{ID: "setinterval-string", Category: "injection", Regex: regexp.MustCompile(`\bsetInterval\s*\(\s*["'` + "`" + `]`), Severity: severityError, RequiresCap: "eval", Message: "setInterval with a string argument is forbidden"},
	{ID: "indirect-eval", Category: "injection", Regex: regexp.MustCompile(`\(\s*0\s*,\s*eval\s*\)`), Severity: severityError, RequiresCap: "eval", Message: "indirect eval is forbidden"},
	{ID: "script-create", Category: "injection", Regex: regexp.MustCompile(`createElement\s*\(\s*["'` + "`" + `]script`), Severity: severityError, RequiresCap: "eval", Message: "dynamic <script> creation is forbidden"},
	{ID: "dynamic-import", Category: "injection", Regex: regexp.MustCompile(`\bimport\s*\(`), Severity: severityWarning, RequiresCap: "eval", Message: "dynamic import()"},

	// Prototype pollution
	{ID: "proto", Category: "prototype", Regex: regexp.MustCompile(`__proto__`), Severity: severityError, Message: "__proto__ access is forbidden"},
	{ID: "set-prototype", Category: "prototype", Regex: regexp.MustCompile(`\bsetPrototypeOf\s*\(`), Severity: severityError, Message: "setPrototypeOf is forbidden"},
	{ID: "ctor-prototype", Category: "prototype", Regex: regexp.MustCompile(`\bconstructor\s*\.\s*prototype\b`), Severity: severityError, Message: "constructor.prototype access is forbidden"},
	{ID: "builtin-prototype", Category: "prototype", Regex: regexp.MustCompile(`\b(Object|Array)\s*\.\s*prototype\s*(\.|\[)[^=]*=[^=]`), Severity: severityError, Message: "writing to built-in prototypes is forbidden"},

	// Execution
	{ID: "with", Category: "execution", Regex: regexp.MustCompile(`\bwith\s*\(`), Severity: severityError, Message: "with statement is forbidden"},

	// Filesystem
	{ID: "raw-fs", Category: "filesystem", Regex: regexp.MustCompile(`\brequire\s*\(\s*["']fs["']\s*\)|\bfs\.(readFileSync|writeFileSync|unlinkSync|readFile|writeFile|unlink)\b`), Severity: severityError, RequiresCap: "fs", Message: "raw filesystem access is forbidden"},

	// Network
	{ID: "fetch", Category: "network", Regex: regexp.MustCompile(`\bfetch\s*\(`), Severity: severityError, RequiresCap: "network", Message: "fetch() requires network capability"},
	{ID: "xhr", Category: "network", Regex: regexp.MustCompile(`\bXMLHttpRequest\b`), Severity: severityError, RequiresCap: "network", Message: "XMLHttpRequest requires network capability"},
	{ID: "websocket", Category: "network", Regex: regexp.MustCompile(`\bnew\s+WebSocket\s*\(`), Severity: severityError, RequiresCap: "network", Message: "WebSocket requires network capability"},
	{ID: "eventsource", Category: "network", Regex: regexp.MustCompile(`\bnew\s+EventSource\s*\(`), Severity: severityError, RequiresCap: "network", Message: "EventSource requires network capability"},
	{ID: "beacon", Category: "network", Regex: regexp.MustCompile(`\bsendBeacon\s*\(`), Severity: severityError, RequiresCap: "network", Message: "sendBeacon requires network capability"},

	// Storage
	{ID: "localstorage", Category: "storage", Regex: regexp.MustCompile(`\blocalStorage\b`), Severity: severityWarning, RequiresCap: "fs", Message: "localStorage access"},
	{ID: "sessionstorage", Category: "storage", Regex: regexp.MustCompile(`\bsessionStorage\b`), Severity: severityWarning, RequiresCap: "fs", Message: "sessionStorage access"},
	{ID: "indexeddb", Category: "storage", Regex: regexp.MustCompile(`\bindexedDB\b`), Severity: severityWarning, RequiresCap: "fs", Message: "indexedDB access"},
	{ID: "cookie", Category: "storage", Regex: regexp.MustCompile(`\bdocument\.cookie\b`), Severity: severityError, RequiresCap: "fs", Message: "document.cookie access is forbidden"},

	// DOM
	{ID: "doc-write", Category: "dom", Regex: regexp.MustCompile(`\bdocument\.write\s*\(`), Severity: severityError, Message: "document.write is forbidden"},
	{ID: "innerhtml", Category: "dom", Regex: regexp.MustCompile(`\.innerHTML\s*=`), Severity: severityWarning, Message: "innerHTML assignment"},
	{ID: "outerhtml", Category: "dom", Regex: regexp.MustCompile(`\.outerHTML\s*=`), Severity: severityWarning, Message: "outerHTML assignment"},
	{ID: "insert-adjacent", Category: "dom", Regex: regexp.MustCompile(`\binsertAdjacentHTML\s*\(`), Severity: severityWarning, Message: "insertAdjacentHTML"},

	// Process
	{ID: "process-env", Category: "process", Regex: regexp.MustCompile(`\bprocess\.env\b`), Severity: severityError, RequiresCap: "process", Message: "process.env access is forbidden"},
	{ID: "child-process", Category: "process", Regex: regexp.MustCompile(`\brequire\s*\(\s*["']child_process["']\s*\)|\bchild_process\b`), Severity: severityError, RequiresCap: "process", Message: "child process spawning is forbidden"},
	{ID: "process-exit", Category: "process", Regex: regexp.MustCompile(`\bprocess\.exit\s*\(`), Severity: severityError, RequiresCap: "process", Message: "process.exit is forbidden"},

	// Infinite loops
	{ID: "while-true", Category: "loop", Regex: regexp.MustCompile(`\bwhile\s*\(\s*true\s*\)`), Severity: severityWarning, Message: "possible infinite loop: while(true)"},
	{ID: "for-ever", Category: "loop", Regex: regexp.MustCompile(`\bfor\s*\(\s*;\s*;\s*\)`), Severity: severityWarning, Message: "possible infinite loop: for(;;)"},
	{ID: "while-one", Category: "loop", Regex: regexp.MustCompile(`\bwhile\s*\(\s*1\s*\)`), Severity: severityWarning, Message: "possible infinite loop: while(1)"},
}

// checkPatterns scans one file against the catalog. Unicode is NFKC-
// normalized first so homoglyph spellings cannot slip past the regexes.
// A pattern whose RequiresCap the source profile grants is not a
// violation; capability-free patterns are skipped for privileged paths.
func checkPatterns(path string, content []byte, profile caps.Profile) (errs, warns []string, events []Event) {
	text := norm.NFKC.String(string(content))
	for _, p := range dangerousPatterns {
		if p.RequiresCap == "" && profile.Privileged {
			continue
		}
		if !p.Regex.MatchString(text) {
			continue
		}
		if p.RequiresCap != "" && profile.Grants(p.RequiresCap) {
			continue
		}
		msg := fmt.Sprintf("%s in %s", p.Message, path)
		events = append(events, Event{Topic: topicPattern, Payload: map[string]any{
			"path": path, "pattern": p.ID, "category": p.Category, "severity": p.Severity,
		}})
		if p.Severity == severityError {
			errs = append(errs, msg)
		} else {
			warns = append(warns, msg)
		}
	}
	return errs, warns, events
}
