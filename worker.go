package reploid

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Worker pool bounds.
const (
	workerConcurrencyCap   = 10
	completedWorkersCap    = 100
	defaultWorkerMaxIters  = 10
	workerLLMTimeout       = 60 * time.Second
	workerRecordPathPrefix = "/.system/workers/"
)

// singleCallStreakLimit is how many consecutive single-tool-call
// iterations a worker may run before it is nudged toward batching
// read-only calls.
const singleCallStreakLimit = 3

// Model roles resolvable by worker types.
const (
	RoleOrchestrator = "orchestrator"
	RoleFast         = "fast"
	RoleCode         = "code"
	RoleLocal        = "local"
)

// SpawnOptions describes a worker to launch.
type SpawnOptions struct {
	Type          string
	Task          string
	Model         string // optional explicit model; wins over role mapping
	MaxIterations int
	// Depth is the spawn depth of the caller. The hierarchy is flat:
	// workers (depth > 0) cannot spawn further workers.
	Depth int
}

// Settled is one entry of an AwaitWorkers result, in the style of
// settled promises: fulfilled with a value or rejected with an error.
type Settled struct {
	WorkerID string
	Status   string // "fulfilled" or "rejected"
	Value    string
	Err      string
}

// WorkerManager owns the bounded pool of subagents. A worker id lives in
// exactly one of the active map or the completed cache.
type WorkerManager struct {
	mu        sync.Mutex
	vfs       *VFS
	provider  Provider
	runner    *ToolRunner
	schemas   *SchemaRegistry
	bus       *EventBus
	audit     AuditLogger
	logger    *slog.Logger
	active    map[string]*WorkerRecord
	completed *lru.Cache[string, *WorkerRecord]
	done      map[string]chan struct{}
	roles     map[string]ModelConfig
	fallback  ModelConfig
}

// WorkerOption configures a WorkerManager.
type WorkerOption func(*WorkerManager)

// WithWorkerEvents attaches an event bus.
func WithWorkerEvents(bus *EventBus) WorkerOption {
	return func(m *WorkerManager) { m.bus = bus }
}

// WithWorkerAudit attaches an audit logger.
func WithWorkerAudit(a AuditLogger) WorkerOption {
	return func(m *WorkerManager) { m.audit = a }
}

// WithWorkerLogger sets a structured logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(m *WorkerManager) { m.logger = l }
}

// WithModelRoles installs the role→model mapping (orchestrator, fast,
// code, local).
func WithModelRoles(roles map[string]ModelConfig) WorkerOption {
	return func(m *WorkerManager) { m.roles = roles }
}

// WithFallbackModel sets the model used when neither an explicit model
// nor a role mapping resolves.
func WithFallbackModel(cfg ModelConfig) WorkerOption {
	return func(m *WorkerManager) { m.fallback = cfg }
}

// NewWorkerManager creates a manager. Wire it back into the runner with
// runner.SetWorkerManager so worker-spawning tools can reach it.
func NewWorkerManager(vfs *VFS, provider Provider, runner *ToolRunner, schemas *SchemaRegistry, opts ...WorkerOption) *WorkerManager {
	completed, _ := lru.New[string, *WorkerRecord](completedWorkersCap)
	m := &WorkerManager{
		vfs:       vfs,
		provider:  provider,
		runner:    runner,
		schemas:   schemas,
		logger:    nopLogger,
		active:    make(map[string]*WorkerRecord),
		completed: completed,
		done:      make(map[string]chan struct{}),
		roles:     map[string]ModelConfig{},
		fallback:  ModelConfig{Model: "claude-3-haiku"},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Spawn launches a worker and returns its id immediately. The worker
// runs as a concurrent task; observe completion via AwaitWorkers or the
// worker:* events.
func (m *WorkerManager) Spawn(ctx context.Context, opts SpawnOptions) (string, error) {
	if opts.Depth > 0 {
		return "", &ValidationError{Field: "depth", Message: "flat hierarchy: workers cannot spawn workers"}
	}
	typeCfg, err := m.schemas.GetWorkerType(opts.Type)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if len(m.active) >= workerConcurrencyCap {
		m.mu.Unlock()
		return "", &ResourceExhaustedError{Resource: "workers", Limit: workerConcurrencyCap}
	}
	id := NewID()
	record := &WorkerRecord{
		WorkerID:    id,
		Type:        opts.Type,
		Task:        opts.Task,
		Permissions: typeCfg.AllowedTools,
		Status:      WorkerRunning,
		StartTime:   NowUnixMilli(),
	}
	m.active[id] = record
	doneCh := make(chan struct{})
	m.done[id] = doneCh
	m.mu.Unlock()

	m.persistRecord(record)
	m.publish(TopicWorkerSpawned, map[string]any{"worker": id, "type": opts.Type})
	auditInfo(ctx, m.audit, AuditWorkerSpawn, map[string]any{"worker": id, "type": opts.Type, "task": truncate(opts.Task, 200)})

	model := m.resolveModel(opts.Model, typeCfg.ModelRole)
	maxIters := opts.MaxIterations
	if maxIters <= 0 {
		maxIters = defaultWorkerMaxIters
	}

	go m.runWorker(ctx, record, typeCfg, model, maxIters, doneCh)
	return id, nil
}

func (m *WorkerManager) resolveModel(explicit, role string) ModelConfig {
	if explicit != "" {
		return ModelConfig{Model: explicit}
	}
	if cfg, ok := m.roles[role]; ok {
		return cfg
	}
	return m.fallback
}

// runWorker drives one subagent's loop to completion and retires the
// record into the completed cache.
func (m *WorkerManager) runWorker(ctx context.Context, record *WorkerRecord, typeCfg WorkerTypeConfig, model ModelConfig, maxIters int, doneCh chan struct{}) {
	defer close(doneCh)

	output, err := m.workerLoop(ctx, record, typeCfg, model, maxIters)

	m.mu.Lock()
	// Terminate may have retired the record while the loop was running;
	// in that case the terminated status stands.
	if _, stillActive := m.active[record.WorkerID]; !stillActive {
		m.mu.Unlock()
		return
	}
	delete(m.active, record.WorkerID)
	record.CompletedTime = NowUnixMilli()
	if err != nil {
		record.Status = WorkerError
		record.Error = err.Error()
	} else {
		record.Status = WorkerCompleted
		record.Result = output
	}
	m.completed.Add(record.WorkerID, record)
	m.mu.Unlock()

	m.persistRecord(record)
	if err != nil {
		m.publish(TopicWorkerError, map[string]any{"worker": record.WorkerID, "error": err.Error()})
	} else {
		m.publish(TopicWorkerCompleted, map[string]any{"worker": record.WorkerID})
	}
}

// workerLoop is the per-subagent cognitive cycle: fresh conversation,
// bounded iterations, tool calls dispatched under the worker's
// permissions.
func (m *WorkerManager) workerLoop(ctx context.Context, record *WorkerRecord, typeCfg WorkerTypeConfig, model ModelConfig, maxIters int) (string, error) {
	messages := []ChatMessage{
		SystemMessage(workerSystemPrompt(record, typeCfg)),
		UserMessage("Task: " + record.Task),
	}
	tools := m.runner.Definitions(typeCfg.AllowedTools)

	lastAssistant := ""
	singleCallStreak := 0
	for iter := 0; iter < maxIters; iter++ {
		if ctx.Err() != nil {
			return lastAssistant, ctx.Err()
		}
		m.mu.Lock()
		_, stillActive := m.active[record.WorkerID]
		m.mu.Unlock()
		if !stillActive {
			return lastAssistant, context.Canceled
		}
		m.publish(TopicWorkerProgress, map[string]any{"worker": record.WorkerID, "iteration": iter})

		callCtx, cancel := context.WithTimeout(ctx, workerLLMTimeout)
		resp, err := m.provider.Chat(callCtx, ChatRequest{
			Messages:  messages,
			Tools:     tools,
			Model:     model.Model,
			MaxTokens: model.MaxTokens,
		})
		cancel()
		if err != nil {
			return lastAssistant, err
		}
		lastAssistant = resp.Content

		calls := resp.ToolCalls
		if len(calls) == 0 {
			calls = ParseTextToolCalls(resp.Content)
		}
		if len(calls) == 0 {
			// No tool calls: the worker is done.
			return resp.Content, nil
		}

		messages = append(messages, ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, tc := range calls {
			var result any
			var err error
			if tc.Name == "SpawnWorker" {
				// Flat hierarchy: a worker's spawn request is refused here.
				err = &ValidationError{Field: "depth", Message: "flat hierarchy: workers cannot spawn workers"}
			} else {
				result, err = m.runner.Execute(ctx, tc.Name, tc.Args, ExecOptions{
					AllowedTools: typeCfg.AllowedTools,
					WorkerID:     record.WorkerID,
				})
			}
			if err != nil {
				m.AddLog(record.WorkerID, fmt.Sprintf("tool %s failed: %v", tc.Name, err))
				messages = append(messages, UserMessage(fmt.Sprintf("TOOL_ERROR for %s: %v", tc.Name, err)))
				continue
			}
			messages = append(messages, UserMessage(fmt.Sprintf("TOOL_RESULT for %s: %s", tc.Name, renderResult(result))))
		}

		// Nudge workers stuck issuing one tool call at a time toward
		// batching their read-only calls.
		if len(calls) == 1 {
			singleCallStreak++
			if singleCallStreak >= singleCallStreakLimit {
				messages = append(messages, UserMessage(
					"You have issued a single tool call for several iterations. When the calls are independent and read-only, batch them in one response so they run in parallel."))
				singleCallStreak = 0
			}
		} else {
			singleCallStreak = 0
		}
	}
	return lastAssistant, nil
}

// workerSystemPrompt builds the worker-specific system prompt: the task,
// the permitted tools, the single-parent rule, and the expected response
// shape.
func workerSystemPrompt(record *WorkerRecord, typeCfg WorkerTypeConfig) string {
	if typeCfg.SystemPrompt != "" {
		return typeCfg.SystemPrompt
	}
	toolList := "all registered tools"
	if len(typeCfg.AllowedTools) > 0 && typeCfg.AllowedTools[0] != "*" {
		toolList = strings.Join(typeCfg.AllowedTools, ", ")
	}
	return fmt.Sprintf(`You are a %s worker subagent.
Your allowed tools: %s.
You cannot spawn further workers; report back to your parent instead.
Work on the task using tool calls. When finished, respond with your findings as plain text and no tool calls.`,
		record.Type, toolList)
}

func renderResult(result any) string {
	switch v := result.(type) {
	case string:
		return v
	default:
		blob, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(blob)
	}
}

// AwaitWorkers blocks until the named workers (or all active workers)
// settle, returning one entry per worker in the style of settled
// promises. Completion happens-before the corresponding entry is
// readable here.
func (m *WorkerManager) AwaitWorkers(ctx context.Context, workerIDs []string, all bool) []Settled {
	m.mu.Lock()
	ids := workerIDs
	if all {
		ids = make([]string, 0, len(m.active))
		for id := range m.active {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	channels := make(map[string]chan struct{}, len(ids))
	for _, id := range ids {
		if ch, ok := m.done[id]; ok {
			channels[id] = ch
		}
	}
	m.mu.Unlock()

	var out []Settled
	for _, id := range ids {
		if ch, ok := channels[id]; ok {
			select {
			case <-ch:
			case <-ctx.Done():
				out = append(out, Settled{WorkerID: id, Status: "rejected", Err: ctx.Err().Error()})
				continue
			}
		}
		out = append(out, m.settle(id))
	}
	return out
}

func (m *WorkerManager) settle(id string) Settled {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.completed.Get(id); ok {
		if rec.Status == WorkerCompleted {
			return Settled{WorkerID: id, Status: "fulfilled", Value: rec.Result}
		}
		return Settled{WorkerID: id, Status: "rejected", Err: rec.Error}
	}
	if _, ok := m.active[id]; ok {
		return Settled{WorkerID: id, Status: "rejected", Err: "worker still running"}
	}
	return Settled{WorkerID: id, Status: "rejected", Err: "unknown worker"}
}

// Terminate marks a running worker terminated and retires its record.
// The worker's goroutine stops at the start of its next iteration; a model
// or tool call already in flight runs to completion.
func (m *WorkerManager) Terminate(workerID string) error {
	m.mu.Lock()
	record, ok := m.active[workerID]
	if !ok {
		m.mu.Unlock()
		return &NotFoundError{Kind: "worker", Name: workerID}
	}
	delete(m.active, workerID)
	record.Status = WorkerTerminated
	record.CompletedTime = NowUnixMilli()
	m.completed.Add(workerID, record)
	m.mu.Unlock()

	m.persistRecord(record)
	m.publish(TopicWorkerTerminated, map[string]any{"worker": workerID})
	return nil
}

// GetResults returns the records for the given ids, or all completed
// records when ids is empty.
func (m *WorkerManager) GetResults(ids []string) []*WorkerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*WorkerRecord
	if len(ids) == 0 {
		for _, key := range m.completed.Keys() {
			if rec, ok := m.completed.Peek(key); ok {
				out = append(out, rec)
			}
		}
		return out
	}
	for _, id := range ids {
		if rec, ok := m.completed.Get(id); ok {
			out = append(out, rec)
		}
	}
	return out
}

// List returns all known worker records: active first, then completed.
func (m *WorkerManager) List() []*WorkerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*WorkerRecord, 0, len(m.active)+m.completed.Len())
	for _, rec := range m.active {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	for _, key := range m.completed.Keys() {
		if rec, ok := m.completed.Peek(key); ok {
			out = append(out, rec)
		}
	}
	return out
}

// ActiveCount returns the number of running workers.
func (m *WorkerManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ClearHistory drops the completed-worker cache. Active workers are
// untouched.
func (m *WorkerManager) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed.Purge()
}

// AddLog appends a line to a worker's log, active or completed.
func (m *WorkerManager) AddLog(workerID, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.active[workerID]; ok {
		rec.Logs = append(rec.Logs, line)
		return
	}
	if rec, ok := m.completed.Get(workerID); ok {
		rec.Logs = append(rec.Logs, line)
	}
}

func (m *WorkerManager) persistRecord(record *WorkerRecord) {
	m.mu.Lock()
	blob, err := json.MarshalIndent(record, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return
	}
	if err := m.vfs.Write(workerRecordPathPrefix+record.WorkerID+".json", blob); err != nil {
		m.logger.Warn("worker: persist record failed", "worker", record.WorkerID, "error", err)
	}
}

func (m *WorkerManager) publish(topic string, payload map[string]any) {
	if m.bus != nil {
		m.bus.Publish(topic, payload)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
