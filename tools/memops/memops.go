// Package memops exposes semantic memory as tools: Remember stores a
// fact, RecallMemory searches by similarity.
package memops

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	reploid "github.com/clocksmith/reploid"
)

// Tools returns the memory tool pack.
func Tools() []reploid.BuiltinTool {
	return []reploid.BuiltinTool{
		{
			Name: "Remember",
			Definition: reploid.ToolDefinition{
				Description: "Store a fact or observation in semantic memory for later recall.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"content":{"type":"string"},"domain":{"type":"string","description":"Optional grouping, e.g. project, user"}},"required":["content"]}`),
			},
			Handler: remember,
		},
		{
			Name: "RecallMemory",
			Definition: reploid.ToolDefinition{
				Description: "Search semantic memory by similarity to a query.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"topK":{"type":"integer"}},"required":["query"]}`),
				ReadOnly:    true,
			},
			Handler: recallMemory,
		},
	}
}

func remember(ctx context.Context, args map[string]any, deps *reploid.Deps) (any, error) {
	if deps.Semantic == nil {
		return nil, fmt.Errorf("semantic store not wired")
	}
	content, _ := args["content"].(string)
	domain, _ := args["domain"].(string)
	if domain == "" {
		domain = "agent"
	}
	id, err := deps.Semantic.AddMemory(ctx, reploid.SemanticMemory{
		Content: content,
		Domain:  domain,
		Source:  "Remember",
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}

func recallMemory(ctx context.Context, args map[string]any, deps *reploid.Deps) (any, error) {
	if deps.Semantic == nil || deps.Embedder == nil {
		return nil, fmt.Errorf("semantic store not wired")
	}
	query, _ := args["query"].(string)
	topK := 5
	if n, ok := args["topK"].(float64); ok && n > 0 {
		topK = int(n)
	}
	vecs, err := deps.Embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := deps.Semantic.SearchSimilar(ctx, vecs[0], topK, 0)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return "no matching memories", nil
	}
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "[%.2f] %s\n", r.Similarity, r.Memory.Content)
	}
	return b.String(), nil
}
