package workerops

import (
	"context"
	"strings"
	"testing"
	"time"

	reploid "github.com/clocksmith/reploid"
	"github.com/clocksmith/reploid/caps"
)

// doneProvider answers every worker immediately.
type doneProvider struct{}

func (doneProvider) Name() string { return "done" }
func (doneProvider) Chat(context.Context, reploid.ChatRequest) (reploid.ChatResponse, error) {
	return reploid.ChatResponse{Content: "task finished"}, nil
}

func newFixture(t *testing.T) *reploid.Deps {
	t.Helper()
	vfs := reploid.NewVFS()
	deps := &reploid.Deps{
		VFS:     vfs,
		Schemas: reploid.NewSchemaRegistry(vfs),
		Matrix:  caps.DefaultMatrix(),
	}
	runner := reploid.NewToolRunner(deps)
	if err := runner.RegisterBuiltin(Tools()...); err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = deps.Schemas.RegisterWorkerTypes(map[string]reploid.WorkerTypeConfig{
		"explore": {AllowedTools: []string{"ListWorkers"}},
	}, true)
	workers := reploid.NewWorkerManager(vfs, doneProvider{}, runner, deps.Schemas)
	runner.SetWorkerManager(workers)
	return deps
}

func handlerByName(t *testing.T, name string) reploid.ToolHandler {
	t.Helper()
	for _, tool := range Tools() {
		if tool.Name == name {
			return tool.Handler
		}
	}
	t.Fatalf("no tool %s", name)
	return nil
}

func TestSpawnAwaitList(t *testing.T) {
	deps := newFixture(t)
	ctx := context.Background()

	result, err := handlerByName(t, "SpawnWorker")(ctx, map[string]any{"type": "explore", "task": "look around"}, deps)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	id := result.(map[string]any)["workerId"].(string)
	if id == "" {
		t.Fatalf("no worker id")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	settledAny, err := handlerByName(t, "AwaitWorkers")(waitCtx, map[string]any{"workerIds": []any{id}}, deps)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	settled := settledAny.([]reploid.Settled)
	if len(settled) != 1 || settled[0].Status != "fulfilled" || !strings.Contains(settled[0].Value, "finished") {
		t.Errorf("settled = %+v", settled)
	}

	listAny, err := handlerByName(t, "ListWorkers")(ctx, map[string]any{}, deps)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	records := listAny.([]*reploid.WorkerRecord)
	if len(records) != 1 || records[0].Status != reploid.WorkerCompleted {
		t.Errorf("records = %+v", records)
	}
}

func TestToolsFailWithoutManager(t *testing.T) {
	deps := &reploid.Deps{}
	for _, name := range []string{"SpawnWorker", "AwaitWorkers", "ListWorkers"} {
		if _, err := handlerByName(t, name)(context.Background(), map[string]any{}, deps); err == nil {
			t.Errorf("%s accepted without a worker manager", name)
		}
	}
}
