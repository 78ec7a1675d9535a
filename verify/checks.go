package verify

import (
	"sort"
	"strings"

	"github.com/clocksmith/reploid/caps"
)

// verifiableExtensions limits the check families to script files; other
// content (markdown, JSON, binaries) passes through unchecked.
var verifiableExtensions = []string{".js", ".mjs", ".ts"}

func isVerifiable(path string) bool {
	for _, ext := range verifiableExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// RunChecks executes every check family over the request and aggregates
// the outcome. This is the sandbox worker's entire job; it also backs the
// in-process fallback runner.
func RunChecks(req Request) Response {
	matrix := caps.NewMatrix(req.Profiles)

	resp := Response{Passed: true, Details: map[string]any{}}
	paths := make([]string, 0, len(req.Files))
	for p := range req.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	checked := 0
	for _, path := range paths {
		content := req.Files[path]
		if content == nil || !isVerifiable(path) {
			continue
		}
		checked++
		profile := matrix.CapsFor(path)

		errs, events := checkSyntax(path, content)
		resp.Errors = append(resp.Errors, errs...)
		resp.Events = append(resp.Events, events...)
		if len(errs) > 0 {
			// A file that does not parse produces noise from every other
			// scanner; stop at syntax for it.
			continue
		}

		errs, warns, events := checkPatterns(path, content, profile)
		resp.Errors = append(resp.Errors, errs...)
		resp.Warnings = append(resp.Warnings, warns...)
		resp.Events = append(resp.Events, events...)

		errs, warns, events = checkStructural(path, content, req.AllowedHosts, profile.Privileged)
		resp.Errors = append(resp.Errors, errs...)
		resp.Warnings = append(resp.Warnings, warns...)
		resp.Events = append(resp.Events, events...)

		resp.Errors = append(resp.Errors, checkToolShape(path, content)...)

		errs, events = checkCapabilities(path, content, matrix)
		resp.Errors = append(resp.Errors, errs...)
		resp.Events = append(resp.Events, events...)

		if !profile.Privileged {
			warns, events := checkComplexity(path, content)
			resp.Warnings = append(resp.Warnings, warns...)
			resp.Events = append(resp.Events, events...)
		}
	}

	resp.Details["files_checked"] = checked
	resp.Passed = len(resp.Errors) == 0
	return resp
}
