// Package fsops provides the core file tools over the VFS: read, write,
// delete, list, grep, and in-place edit. Mutating tools rely on the tool
// runner's dispatch discipline for verification and rollback; the
// handlers themselves just perform the operation.
package fsops

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	reploid "github.com/clocksmith/reploid"
)

// maxReadChars truncates ReadFile results so a single large file cannot
// blow the conversation budget.
const maxReadChars = 8000

// Tools returns the file tool pack.
func Tools() []reploid.BuiltinTool {
	return []reploid.BuiltinTool{
		{
			Name: "ReadFile",
			Definition: reploid.ToolDefinition{
				Description: "Read a file from the VFS. Large files are truncated.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Absolute VFS path"}},"required":["path"]}`),
				ReadOnly:    true,
			},
			Handler: readFile,
		},
		{
			Name: "WriteFile",
			Definition: reploid.ToolDefinition{
				Description: "Write content to a VFS path. The write is verified before it sticks.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
			},
			Handler: writeFile,
		},
		{
			Name: "DeleteFile",
			Definition: reploid.ToolDefinition{
				Description: "Delete a VFS path.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
			},
			Handler: deleteFile,
		},
		{
			Name: "ListFiles",
			Definition: reploid.ToolDefinition{
				Description: "List VFS paths under a prefix, lexicographically ordered.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"prefix":{"type":"string","description":"Path prefix, e.g. /tools/"}}}`),
				ReadOnly:    true,
			},
			Handler: listFiles,
		},
		{
			Name: "Grep",
			Definition: reploid.ToolDefinition{
				Description: "Search file contents under a prefix with a regular expression. Returns path:line matches.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"prefix":{"type":"string"}},"required":["pattern"]}`),
				ReadOnly:    true,
			},
			Handler: grep,
		},
		{
			Name: "Edit",
			Definition: reploid.ToolDefinition{
				Description: "Replace an exact string in a file. The old string must occur exactly once.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"old":{"type":"string"},"new":{"type":"string"}},"required":["path","old","new"]}`),
			},
			Handler: edit,
		},
	}
}

func readFile(_ context.Context, args map[string]any, deps *reploid.Deps) (any, error) {
	path, _ := args["path"].(string)
	data, err := deps.VFS.Read(path)
	if err != nil {
		return nil, err
	}
	content := string(data)
	if len(content) > maxReadChars {
		content = content[:maxReadChars] + "\n[truncated]"
	}
	return content, nil
}

func writeFile(_ context.Context, args map[string]any, deps *reploid.Deps) (any, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if err := deps.VFS.Write(path, []byte(content)); err != nil {
		return nil, err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

func deleteFile(_ context.Context, args map[string]any, deps *reploid.Deps) (any, error) {
	path, _ := args["path"].(string)
	if err := deps.VFS.Delete(path); err != nil {
		return nil, err
	}
	return "deleted " + path, nil
}

func listFiles(_ context.Context, args map[string]any, deps *reploid.Deps) (any, error) {
	prefix, _ := args["prefix"].(string)
	if prefix == "" {
		prefix = "/"
	}
	paths := deps.VFS.List(prefix)
	if len(paths) == 0 {
		return "no files under " + prefix, nil
	}
	return strings.Join(paths, "\n"), nil
}

// grepMaxMatches bounds the result so a broad pattern cannot flood the
// transcript.
const grepMaxMatches = 100

func grep(_ context.Context, args map[string]any, deps *reploid.Deps) (any, error) {
	pattern, _ := args["pattern"].(string)
	prefix, _ := args["prefix"].(string)
	if prefix == "" {
		prefix = "/"
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	var b strings.Builder
	matches := 0
	for _, p := range deps.VFS.List(prefix) {
		data, err := deps.VFS.Read(p)
		if err != nil {
			continue
		}
		for i, line := range strings.Split(string(data), "\n") {
			if !re.MatchString(line) {
				continue
			}
			fmt.Fprintf(&b, "%s:%d: %s\n", p, i+1, strings.TrimSpace(line))
			matches++
			if matches >= grepMaxMatches {
				b.WriteString("[match limit reached]\n")
				return b.String(), nil
			}
		}
	}
	if matches == 0 {
		return "no matches", nil
	}
	return b.String(), nil
}

func edit(_ context.Context, args map[string]any, deps *reploid.Deps) (any, error) {
	path, _ := args["path"].(string)
	oldStr, _ := args["old"].(string)
	newStr, _ := args["new"].(string)
	data, err := deps.VFS.Read(path)
	if err != nil {
		return nil, err
	}
	content := string(data)
	switch strings.Count(content, oldStr) {
	case 0:
		return nil, fmt.Errorf("old string not found in %s", path)
	case 1:
	default:
		return nil, fmt.Errorf("old string occurs more than once in %s; be more specific", path)
	}
	if err := deps.VFS.Write(path, []byte(strings.Replace(content, oldStr, newStr, 1))); err != nil {
		return nil, err
	}
	return "edited " + path, nil
}
