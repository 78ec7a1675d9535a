package reploid

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clocksmith/reploid/caps"
	"github.com/clocksmith/reploid/verify"
)

// newLoopFixture wires a loop over a scripted provider with a small
// tool set: two read-only tools that record their execution window and
// one mutating tool.
func newLoopFixture(t *testing.T, provider Provider, cfg LoopConfig) (*AgentLoop, *Deps, *EventBus) {
	t.Helper()
	vfs := NewVFS()
	bus := NewEventBus()
	matrix := caps.DefaultMatrix()
	verifier := verify.NewService(matrix, verify.WithSnapshot(func() map[string][]byte {
		return vfs.CreateSnapshot().Files
	}))
	deps := &Deps{
		VFS:      vfs,
		Bus:      bus,
		Audit:    &recordingAudit{},
		Schemas:  NewSchemaRegistry(vfs),
		Matrix:   matrix,
		Verifier: verifier,
	}
	runner := NewToolRunner(deps)
	ctxmgr := NewContextManager(WithContextEvents(bus))
	if cfg.Model.Model == "" {
		cfg.Model = ModelConfig{Model: "claude-3-opus"}
	}
	loop := NewAgentLoop(provider, runner, ctxmgr, nil, cfg, WithLoopEvents(bus))
	return loop, deps, bus
}

func TestLoopTerminatesWithoutToolCalls(t *testing.T) {
	provider := &fakeProvider{script: []ChatResponse{{Content: "all done"}}}
	loop, _, _ := newLoopFixture(t, provider, LoopConfig{})
	res, err := loop.Run(context.Background(), "say done")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Output != "all done" || res.Iterations != 1 || res.Halted {
		t.Errorf("result = %+v", res)
	}
}

func TestLoopDispatchesToolsAndReportsResults(t *testing.T) {
	provider := &fakeProvider{script: []ChatResponse{
		toolCallResponse(ToolCall{ID: "1", Name: "Probe", Args: mustArgs(map[string]any{})}),
		{Content: "done"},
	}}
	loop, deps, _ := newLoopFixture(t, provider, LoopConfig{})
	_ = deps.Runner.RegisterBuiltin(BuiltinTool{
		Name:       "Probe",
		Definition: ToolDefinition{Description: "probe", ReadOnly: true},
		Handler:    func(context.Context, map[string]any, *Deps) (any, error) { return "probe-result", nil },
	})

	res, err := loop.Run(context.Background(), "probe the system")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d", res.Iterations)
	}
	conv := loop.Conversation()
	found := false
	for _, m := range conv {
		if m.Role == "user" && strings.Contains(m.Content, "TOOL_RESULT for Probe: probe-result") {
			found = true
		}
	}
	if !found {
		t.Errorf("tool result missing from transcript: %+v", conv)
	}
}

func TestLoopToolErrorBecomesTurn(t *testing.T) {
	provider := &fakeProvider{script: []ChatResponse{
		toolCallResponse(ToolCall{ID: "1", Name: "Missing", Args: mustArgs(map[string]any{})}),
		{Content: "recovered"},
	}}
	loop, _, _ := newLoopFixture(t, provider, LoopConfig{})
	res, err := loop.Run(context.Background(), "call a missing tool")
	if err != nil {
		t.Fatalf("a tool failure must not crash the loop: %v", err)
	}
	if res.Output != "recovered" {
		t.Errorf("output = %q", res.Output)
	}
	errTurn := false
	for _, m := range loop.Conversation() {
		if strings.Contains(m.Content, "TOOL_ERROR for Missing") {
			errTurn = true
		}
	}
	if !errTurn {
		t.Errorf("TOOL_ERROR turn missing")
	}
}

// Results appear in the LLM's call order; read-only calls run in
// parallel while mutating calls run serially after partitioning.
func TestLoopOrderingAndParallelism(t *testing.T) {
	var mu sync.Mutex
	var running int
	var maxConcurrent int
	slowReadOnly := func(name string) BuiltinTool {
		return BuiltinTool{
			Name:       name,
			Definition: ToolDefinition{Description: name, ReadOnly: true},
			Handler: func(context.Context, map[string]any, *Deps) (any, error) {
				mu.Lock()
				running++
				if running > maxConcurrent {
					maxConcurrent = running
				}
				mu.Unlock()
				time.Sleep(30 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return "r:" + name, nil
			},
		}
	}

	provider := &fakeProvider{script: []ChatResponse{
		toolCallResponse(
			ToolCall{ID: "1", Name: "ReadA", Args: mustArgs(map[string]any{})},
			ToolCall{ID: "2", Name: "Mutate", Args: mustArgs(map[string]any{})},
			ToolCall{ID: "3", Name: "ReadB", Args: mustArgs(map[string]any{})},
		),
		{Content: "done"},
	}}
	loop, deps, _ := newLoopFixture(t, provider, LoopConfig{})
	_ = deps.Runner.RegisterBuiltin(
		slowReadOnly("ReadA"),
		slowReadOnly("ReadB"),
		BuiltinTool{
			Name:       "Mutate",
			Definition: ToolDefinition{Description: "mutate"},
			Handler: func(_ context.Context, _ map[string]any, d *Deps) (any, error) {
				return "mutated", d.VFS.Write("/apps/m", []byte("x"))
			},
		},
	)

	if _, err := loop.Run(context.Background(), "go"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if maxConcurrent < 2 {
		t.Errorf("read-only batch did not overlap (max concurrent = %d)", maxConcurrent)
	}

	// Transcript order matches call order regardless of completion order.
	var order []string
	for _, m := range loop.Conversation() {
		if m.Role == "user" && strings.HasPrefix(m.Content, "TOOL_RESULT for ") {
			name := strings.TrimPrefix(m.Content, "TOOL_RESULT for ")
			order = append(order, strings.SplitN(name, ":", 2)[0])
		}
	}
	want := []string{"ReadA", "Mutate", "ReadB"}
	if len(order) != 3 {
		t.Fatalf("results = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
		}
	}
}

func TestLoopCircuitBreaker(t *testing.T) {
	// The provider always asks for another tool call; the breaker must
	// trip at MaxIterations.
	provider := &fakeProvider{script: []ChatResponse{
		toolCallResponse(ToolCall{ID: "1", Name: "Spin", Args: mustArgs(map[string]any{})}),
	}}
	loop, deps, bus := newLoopFixture(t, provider, LoopConfig{MaxIterations: 4})
	_ = deps.Runner.RegisterBuiltin(BuiltinTool{
		Name:       "Spin",
		Definition: ToolDefinition{Description: "spin", ReadOnly: true},
		Handler:    func(context.Context, map[string]any, *Deps) (any, error) { return "again", nil },
	})
	haltReason := ""
	bus.Subscribe(TopicAgentHalted, func(ev Event) {
		haltReason, _ = ev.Payload["reason"].(string)
	})

	res, err := loop.Run(context.Background(), "spin forever")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Halted || res.HaltReason != "max_iterations" || res.Iterations != 4 {
		t.Errorf("result = %+v", res)
	}
	if haltReason != "max_iterations" {
		t.Errorf("halt event reason = %q", haltReason)
	}
}

// A context that aggressive compaction cannot save halts the
// loop with a hard-limit error and emits context:halted.
func TestLoopContextHardLimitHalt(t *testing.T) {
	provider := &fakeProvider{script: []ChatResponse{{Content: "never reached"}}}
	loop, _, bus := newLoopFixture(t, provider, LoopConfig{})
	loop.ctxmgr.SetRuntimeOverrides(&Limits{Compact: 5, Warning: 6, Hard: 8})
	contextHalted := false
	bus.Subscribe(TopicContextHalted, func(Event) { contextHalted = true })

	goal := strings.Repeat("an enormous goal statement with many words repeated over and over ", 20)
	res, err := loop.Run(context.Background(), goal)
	if err == nil {
		t.Fatalf("expected hard-limit error")
	}
	if !res.Halted || !strings.Contains(strings.ToLower(res.HaltReason), "exceeds hard limit") {
		t.Errorf("result = %+v", res)
	}
	if !contextHalted {
		t.Errorf("no context:halted event")
	}
	if provider.callCount() != 0 {
		t.Errorf("outbound request issued despite hard-limit breach")
	}
}

func TestLoopProviderErrorSurfaces(t *testing.T) {
	provider := &fakeProvider{errs: []error{&ErrLLM{Provider: "fake", Status: 500, Message: "boom"}}}
	loop, _, _ := newLoopFixture(t, provider, LoopConfig{})
	_, err := loop.Run(context.Background(), "goal")
	if err == nil {
		t.Fatalf("provider failure swallowed")
	}
	// The failure is also visible as a conversation turn.
	found := false
	for _, m := range loop.Conversation() {
		if m.Role == "assistant" && strings.Contains(m.Content, "Provider error") {
			found = true
		}
	}
	if !found {
		t.Errorf("provider error turn missing")
	}
}

func TestLoopTextToolCallFallback(t *testing.T) {
	provider := &fakeProvider{script: []ChatResponse{
		{Content: "TOOL_CALL: Probe\nARGS: {}"},
		{Content: "done"},
	}}
	loop, deps, _ := newLoopFixture(t, provider, LoopConfig{})
	_ = deps.Runner.RegisterBuiltin(BuiltinTool{
		Name:       "Probe",
		Definition: ToolDefinition{Description: "probe", ReadOnly: true},
		Handler:    func(context.Context, map[string]any, *Deps) (any, error) { return "ok", nil },
	})
	res, err := loop.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Iterations != 2 || res.Output != "done" {
		t.Errorf("result = %+v", res)
	}
}
