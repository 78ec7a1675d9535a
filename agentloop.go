package reploid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Loop defaults.
const (
	defaultMaxIterations = 50
	defaultLoopTimeout   = 30 * time.Second
	// maxParallelReadOnly caps the worker pool for a cycle's read-only
	// tool batch.
	maxParallelReadOnly = 10
)

// LoopConfig tunes an AgentLoop.
type LoopConfig struct {
	Model         ModelConfig
	MaxIterations int
	LLMTimeout    time.Duration
	SystemPrompt  string
}

// RunResult is the outcome of a loop run.
type RunResult struct {
	Output     string
	Iterations int
	Halted     bool
	HaltReason string
	Usage      Usage
}

// AgentLoop drives the cognitive cycle: context management, recall,
// LLM call, tool dispatch, memory update — until the goal completes,
// the iteration budget runs out, or the context hard limit halts it.
type AgentLoop struct {
	provider Provider
	runner   *ToolRunner
	ctxmgr   *ContextManager
	memory   *MemoryManager
	bus      *EventBus
	logger   *slog.Logger
	tracer   Tracer
	cfg      LoopConfig

	conversation []ChatMessage
	iterations   int
	halted       bool
}

// LoopOption configures an AgentLoop.
type LoopOption func(*AgentLoop)

// WithLoopEvents attaches an event bus.
func WithLoopEvents(bus *EventBus) LoopOption {
	return func(l *AgentLoop) { l.bus = bus }
}

// WithLoopLogger sets a structured logger.
func WithLoopLogger(lg *slog.Logger) LoopOption {
	return func(l *AgentLoop) { l.logger = lg }
}

// WithLoopTracer attaches a tracer; each iteration gets a span.
func WithLoopTracer(t Tracer) LoopOption {
	return func(l *AgentLoop) { l.tracer = t }
}

// NewAgentLoop creates a loop over the given collaborators.
func NewAgentLoop(provider Provider, runner *ToolRunner, ctxmgr *ContextManager, memory *MemoryManager, cfg LoopConfig, opts ...LoopOption) *AgentLoop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = defaultLoopTimeout
	}
	l := &AgentLoop{
		provider: provider,
		runner:   runner,
		ctxmgr:   ctxmgr,
		memory:   memory,
		cfg:      cfg,
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Conversation returns a copy of the current conversation.
func (l *AgentLoop) Conversation() []ChatMessage {
	out := make([]ChatMessage, len(l.conversation))
	copy(out, l.conversation)
	return out
}

// Run executes the cognitive cycle for a goal until it is terminal.
// Tool failures become conversation turns, never crashes; only a context
// hard-limit breach, circuit-breaker exhaustion, or cancellation halt
// the loop.
func (l *AgentLoop) Run(ctx context.Context, goal string) (RunResult, error) {
	l.conversation = []ChatMessage{
		SystemMessage(l.systemPrompt()),
		UserMessage(goal),
	}
	l.iterations = 0
	l.halted = false
	var usage Usage
	lastOutput := ""

	for l.iterations < l.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return RunResult{Output: lastOutput, Iterations: l.iterations, Halted: true, HaltReason: "cancelled", Usage: usage}, err
		}
		iterCtx := ctx
		var iterSpan Span
		if l.tracer != nil {
			iterCtx, iterSpan = l.tracer.Start(ctx, "agent.loop.iteration", IntAttr("iteration", l.iterations))
		}

		done, output, err := l.cycle(iterCtx, goal, &usage)
		if iterSpan != nil {
			if err != nil {
				iterSpan.Error(err)
			}
			iterSpan.End()
		}
		l.iterations++
		l.publish(TopicAgentIteration, map[string]any{"iteration": l.iterations})

		if err != nil {
			var ce *ContextExceededError
			if errors.As(err, &ce) {
				l.halted = true
				l.publish(TopicAgentHalted, map[string]any{"reason": "context_exceeded", "error": err.Error()})
				return RunResult{Output: lastOutput, Iterations: l.iterations, Halted: true,
					HaltReason: fmt.Sprintf("context of %d tokens exceeds hard limit %d", ce.Tokens, ce.HardLimit), Usage: usage}, err
			}
			return RunResult{Output: lastOutput, Iterations: l.iterations, Usage: usage}, err
		}
		if output != "" {
			lastOutput = output
		}
		if done {
			return RunResult{Output: lastOutput, Iterations: l.iterations, Usage: usage}, nil
		}
	}

	l.halted = true
	l.publish(TopicAgentHalted, map[string]any{"reason": "max_iterations", "iterations": l.iterations})
	return RunResult{Output: lastOutput, Iterations: l.iterations, Halted: true, HaltReason: "max_iterations", Usage: usage}, nil
}

// cycle runs one iteration. done=true means the goal is terminal (no
// tool calls in the response).
func (l *AgentLoop) cycle(ctx context.Context, goal string, usage *Usage) (done bool, output string, err error) {
	// 1. Context management: warn, compact, or halt.
	managed := l.ctxmgr.Manage(l.conversation, l.cfg.Model)
	l.conversation = managed.Context
	if managed.Halted {
		return false, "", managed.Err
	}

	// 2. Memory recall, prepended for this request only — the recall is
	// rebuilt each cycle so stale memories age out of the prompt.
	messages := l.conversation
	if l.memory != nil {
		if recall := l.memory.BuildContextMessages(ctx, goal); len(recall) > 0 {
			messages = append(append([]ChatMessage(nil), recall...), l.conversation...)
		}
	}

	// 3. LLM call.
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.LLMTimeout)
	resp, err := l.provider.Chat(callCtx, ChatRequest{
		Messages:  messages,
		Tools:     l.runner.Definitions(nil),
		Model:     l.cfg.Model.Model,
		MaxTokens: l.cfg.Model.MaxTokens,
	})
	cancel()
	if err != nil {
		// Provider retries already happened inside WithRetry; surface
		// the failure as a tool-free assistant error turn.
		l.appendMessage(ctx, AssistantMessage("Provider error: "+err.Error()))
		return false, "", err
	}
	usage.InputTokens += resp.Usage.InputTokens
	usage.OutputTokens += resp.Usage.OutputTokens

	// 4. Append assistant message.
	l.appendMessage(ctx, ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

	// 5. Extract tool calls: native first, else text format.
	calls := resp.ToolCalls
	if len(calls) == 0 {
		calls = ParseTextToolCalls(resp.Content)
	}
	if len(calls) == 0 {
		return true, resp.Content, nil
	}

	// 6. Dispatch: read-only calls in parallel, mutating calls serially,
	// results reported in the LLM's call order.
	results := l.dispatchCalls(ctx, calls)

	// 7. Report results as conversation turns.
	for i, tc := range calls {
		l.appendMessage(ctx, UserMessage(formatToolResult(tc.Name, results[i])))
	}
	return false, resp.Content, nil
}

// toolOutcome is one dispatched call's result.
type toolOutcome struct {
	result any
	err    error
}

// dispatchCalls partitions a cycle's calls into a read-only batch
// (parallel, bounded pool) and a mutating sequence (serial, in emission
// order). The returned slice is indexed by the original call order
// regardless of completion order.
func (l *AgentLoop) dispatchCalls(ctx context.Context, calls []ToolCall) []toolOutcome {
	results := make([]toolOutcome, len(calls))

	var readOnly []int
	var mutating []int
	for i, tc := range calls {
		if l.runner.deps.Schemas.IsToolReadOnly(tc.Name) {
			readOnly = append(readOnly, i)
		} else {
			mutating = append(mutating, i)
		}
	}

	// Read-only batch: a fixed worker pool over the call indexes.
	if len(readOnly) == 1 {
		i := readOnly[0]
		result, err := l.runner.Execute(ctx, calls[i].Name, calls[i].Args, ExecOptions{})
		results[i] = toolOutcome{result: result, err: err}
	} else if len(readOnly) > 1 {
		work := make(chan int, len(readOnly))
		for _, i := range readOnly {
			work <- i
		}
		close(work)
		var wg sync.WaitGroup
		for range min(len(readOnly), maxParallelReadOnly) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range work {
					result, err := l.runner.Execute(ctx, calls[i].Name, calls[i].Args, ExecOptions{})
					results[i] = toolOutcome{result: result, err: err}
				}
			}()
		}
		wg.Wait()
	}

	// Mutating sequence: strictly serial, in the order the LLM emitted.
	for _, i := range mutating {
		result, err := l.runner.Execute(ctx, calls[i].Name, calls[i].Args, ExecOptions{})
		results[i] = toolOutcome{result: result, err: err}
	}
	return results
}

// formatToolResult renders one outcome as a structured conversation
// turn.
func formatToolResult(tool string, out toolOutcome) string {
	if out.err != nil {
		return fmt.Sprintf("TOOL_ERROR for %s: %v", tool, out.err)
	}
	if rr, ok := out.result.(RejectedResult); ok && rr.Rejected {
		return fmt.Sprintf("TOOL_RESULT for %s: %s", tool, rr.Error)
	}
	return fmt.Sprintf("TOOL_RESULT for %s: %s", tool, renderResult(out.result))
}

// appendMessage grows the conversation and mirrors the message into
// working memory so eviction can fire.
func (l *AgentLoop) appendMessage(ctx context.Context, msg ChatMessage) {
	l.conversation = append(l.conversation, msg)
	l.ctxmgr.InvalidateCache()
	if l.memory != nil {
		if _, err := l.memory.Add(ctx, msg); err != nil {
			l.logger.Warn("loop: memory add failed", "error", err)
		}
	}
}

func (l *AgentLoop) systemPrompt() string {
	if l.cfg.SystemPrompt != "" {
		return l.cfg.SystemPrompt
	}
	return `You are an agent operating on a virtual filesystem through tools.
Call tools to inspect and modify files; mutations are verified before they apply.
Issue independent read-only calls together so they run in parallel.
When the goal is complete, respond with your conclusion and no tool calls.`
}

func (l *AgentLoop) publish(topic string, payload map[string]any) {
	if l.bus != nil {
		l.bus.Publish(topic, payload)
	}
}
