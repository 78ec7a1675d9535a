// Package workerops exposes the worker manager as tools: spawning
// subagents, awaiting their settlement, and listing records. The
// hierarchy is flat: the explore and analyze worker types do not list
// these tools, and the worker loop refuses SpawnWorker from any worker.
package workerops

import (
	"context"
	"encoding/json"
	"fmt"

	reploid "github.com/clocksmith/reploid"
)

// Tools returns the worker tool pack.
func Tools() []reploid.BuiltinTool {
	return []reploid.BuiltinTool{
		{
			Name: "SpawnWorker",
			Definition: reploid.ToolDefinition{
				Description: "Spawn a worker subagent of a registered type (explore, analyze, execute) for a task. Returns the worker id immediately.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"type":{"type":"string"},"task":{"type":"string"},"model":{"type":"string"},"maxIterations":{"type":"integer"}},"required":["type","task"]}`),
			},
			Handler: spawnWorker,
		},
		{
			Name: "AwaitWorkers",
			Definition: reploid.ToolDefinition{
				Description: "Wait for workers to finish. Pass workerIds, or all=true for every active worker. Returns per-worker settlement.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"workerIds":{"type":"array","items":{"type":"string"}},"all":{"type":"boolean"}}}`),
			},
			Handler: awaitWorkers,
		},
		{
			Name: "ListWorkers",
			Definition: reploid.ToolDefinition{
				Description: "List all worker records, active and completed.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
				ReadOnly:    true,
			},
			Handler: listWorkers,
		},
	}
}

func spawnWorker(ctx context.Context, args map[string]any, deps *reploid.Deps) (any, error) {
	if deps.Workers == nil {
		return nil, fmt.Errorf("worker manager not wired")
	}
	opts := reploid.SpawnOptions{}
	opts.Type, _ = args["type"].(string)
	opts.Task, _ = args["task"].(string)
	opts.Model, _ = args["model"].(string)
	if n, ok := args["maxIterations"].(float64); ok {
		opts.MaxIterations = int(n)
	}
	id, err := deps.Workers.Spawn(ctx, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workerId": id}, nil
}

func awaitWorkers(ctx context.Context, args map[string]any, deps *reploid.Deps) (any, error) {
	if deps.Workers == nil {
		return nil, fmt.Errorf("worker manager not wired")
	}
	all, _ := args["all"].(bool)
	var ids []string
	if raw, ok := args["workerIds"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				ids = append(ids, s)
			}
		}
	}
	return deps.Workers.AwaitWorkers(ctx, ids, all), nil
}

func listWorkers(_ context.Context, _ map[string]any, deps *reploid.Deps) (any, error) {
	if deps.Workers == nil {
		return nil, fmt.Errorf("worker manager not wired")
	}
	return deps.Workers.List(), nil
}
