package verify

import (
	"fmt"
	"regexp"
	"strings"
)

// Structural analysis: a lightweight scan approximating what a full AST
// pass would flag. Regex-grade is adequate for the enumerated catalog; a
// real parser remains the upgrade path for new check families.
var (
	// obj[expr] = … with a non-literal key.
	reDynamicPropWrite = regexp.MustCompile(`\w+\s*\[\s*[A-Za-z_$][\w$]*\s*\]\s*=[^=]`)
	// Identifiers smelling of eval/exec indirection.
	reSuspiciousIdent = regexp.MustCompile(`\b\w*(eval|exec)\w*\b`)
	// Reaching Function through bracket notation.
	reFunctionBracket = regexp.MustCompile(`\[\s*["'` + "`" + `]Function["'` + "`" + `]\s*\]`)
	// URL literals for the network allowlist check.
	reURLLiteral = regexp.MustCompile(`https?://[^\s"'` + "`" + `]+`)
)

// identAllowlist names identifiers the suspicious-identifier scan must
// not flag: they contain "exec"/"eval" but belong to the substrate's own
// tool vocabulary.
var identAllowlist = map[string]bool{
	"execute":  true,
	"executor": true,
}

// checkStructural runs the structural scan on one file. All findings are
// warnings except Function bracket access, which is an error: there is no
// legitimate unprivileged reason to reach the Function constructor.
func checkStructural(path string, content []byte, allowedHosts []string, privileged bool) (errs, warns []string, events []Event) {
	text := string(content)

	if !privileged {
		if reDynamicPropWrite.MatchString(text) {
			warns = append(warns, fmt.Sprintf("dynamic property write with non-literal key in %s", path))
		}
		for _, m := range reSuspiciousIdent.FindAllString(text, -1) {
			if identAllowlist[strings.ToLower(m)] || m == "eval" || m == "exec" {
				// Bare eval/exec are already covered by the pattern catalog.
				continue
			}
			warns = append(warns, fmt.Sprintf("suspicious identifier %q in %s", m, path))
			break // one warning per file is enough signal
		}
		if reFunctionBracket.MatchString(text) {
			errs = append(errs, fmt.Sprintf("bracket-notation access to Function in %s", path))
			events = append(events, Event{Topic: topicPattern, Payload: map[string]any{
				"path": path, "pattern": "function-bracket", "category": "injection", "severity": severityError,
			}})
		}
	}

	for _, raw := range reURLLiteral.FindAllString(text, -1) {
		if hostAllowed(raw, allowedHosts) {
			continue
		}
		warns = append(warns, fmt.Sprintf("network URL outside allowlist in %s: %s", path, raw))
		events = append(events, Event{Topic: topicPattern, Payload: map[string]any{
			"path": path, "pattern": "url-allowlist", "category": "network", "severity": severityWarning, "url": raw,
		}})
	}
	return errs, warns, events
}

// defaultAllowedHosts always pass the URL check regardless of
// configuration.
var defaultAllowedHosts = []string{"localhost", "127.0.0.1"}

func hostAllowed(rawURL string, allowed []string) bool {
	rest := strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	host := rest
	if i := strings.IndexAny(rest, "/:"); i >= 0 {
		host = rest[:i]
	}
	for _, h := range append(append([]string(nil), defaultAllowedHosts...), allowed...) {
		if strings.EqualFold(host, h) {
			return true
		}
	}
	return false
}

// checkToolShape enforces that files under /tools/ export a handler:
// either a default export or an object with a call function.
var reHandlerExport = regexp.MustCompile(`export\s+default\b|module\.exports\s*=|\bexports\.call\s*=|\bcall\s*[:(]`)

func checkToolShape(path string, content []byte) (errs []string) {
	if !strings.HasPrefix(path, "/tools/") {
		return nil
	}
	if !reHandlerExport.Match(content) {
		errs = append(errs, fmt.Sprintf("tool %s does not export a handler", path))
	}
	return errs
}
