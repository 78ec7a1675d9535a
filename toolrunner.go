package reploid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/clocksmith/reploid/caps"
	"github.com/clocksmith/reploid/verify"
)

// arenaGatingPath persists the gating flag across sessions. It is the
// only piece of global runner state that survives a restart.
const arenaGatingPath = "/.system/arena_gating"

// approvalTimeout bounds a human-in-the-loop decision. Expiry is treated
// as rejection.
const approvalTimeout = 5 * time.Minute

// criticalTools require human approval outside autonomous mode.
var criticalTools = map[string]bool{
	"WriteFile":  true,
	"DeleteFile": true,
	"CreateTool": true,
	"Edit":       true,
	"LoadModule": true,
}

// Approval modes.
const (
	ApprovalAutonomous  = "autonomous"
	ApprovalInteractive = "interactive"
)

// ApprovalRequest describes a pending critical operation for a human
// gate.
type ApprovalRequest struct {
	Tool     string
	Args     string // sanitized
	WorkerID string
}

// Approver is the human-in-the-loop gate. Implementations block until
// the human decides or the context expires.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, error)
}

// Deps is the dependency bag handed to every tool handler. Fields are
// nil when the substrate runs without the corresponding collaborator.
type Deps struct {
	VFS      *VFS
	Bus      *EventBus
	Audit    AuditLogger
	Schemas  *SchemaRegistry
	Memory   *MemoryManager
	Context  *ContextManager
	Workers  *WorkerManager // late-bound; see ToolRunner.SetWorkerManager
	Runner   *ToolRunner
	Matrix   *caps.Matrix
	Verifier *verify.Service
	Arena    *Arena
	Provider Provider
	Embedder EmbeddingProvider
	Semantic SemanticStore
	Logger   *slog.Logger
}

// ToolHandler executes one tool call.
type ToolHandler func(ctx context.Context, args map[string]any, deps *Deps) (any, error)

// BuiltinTool pairs a compiled-in handler with its schema. Tool packs
// under tools/ export slices of these.
type BuiltinTool struct {
	Name       string
	Definition ToolDefinition
	Handler    ToolHandler
}

// ExecOptions scopes a single Execute call.
type ExecOptions struct {
	// AllowedTools restricts the callable set. Nil or ["*"] means all.
	AllowedTools []string
	// WorkerID attributes the call to a subagent for audit and
	// permission errors.
	WorkerID string
}

// RejectedResult is returned (not thrown) when a human gate declines a
// critical operation, so the loop reports it as an ordinary turn.
type RejectedResult struct {
	Error    string `json:"error"`
	Rejected bool   `json:"rejected"`
}

// ToolRunner owns the live tool map: built-in handlers registered at
// construction and dynamic handlers loaded from /tools/ in the VFS.
type ToolRunner struct {
	mu           sync.RWMutex
	deps         *Deps
	handlers     map[string]ToolHandler
	dynamic      map[string]bool
	toolsVersion int
	schemaCache  []map[string]any
	cacheVersion int
	arenaGating  bool
	approver     Approver
	approvalMode string
	logger       *slog.Logger
	tracer       Tracer
}

// RunnerOption configures a ToolRunner.
type RunnerOption func(*ToolRunner)

// WithApprover installs the human-in-the-loop gate and enables
// interactive approval for critical tools.
func WithApprover(a Approver) RunnerOption {
	return func(r *ToolRunner) {
		r.approver = a
		r.approvalMode = ApprovalInteractive
	}
}

// WithRunnerLogger sets a structured logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *ToolRunner) { r.logger = l }
}

// WithRunnerTracer attaches a tracer; every Execute gets a span.
func WithRunnerTracer(t Tracer) RunnerOption {
	return func(r *ToolRunner) { r.tracer = t }
}

// NewToolRunner creates a runner over the given deps bag. The bag's
// Runner field is set to the new runner so tools can re-enter it.
func NewToolRunner(deps *Deps, opts ...RunnerOption) *ToolRunner {
	r := &ToolRunner{
		deps:         deps,
		handlers:     make(map[string]ToolHandler),
		dynamic:      make(map[string]bool),
		approvalMode: ApprovalAutonomous,
		logger:       nopLogger,
	}
	for _, o := range opts {
		o(r)
	}
	deps.Runner = r
	r.loadGatingFlag()
	return r
}

// SetWorkerManager late-binds the worker manager, breaking the
// construction cycle between the runner (whose tools spawn workers) and
// the manager (whose workers call tools).
func (r *ToolRunner) SetWorkerManager(wm *WorkerManager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps.Workers = wm
}

// RegisterBuiltin adds compiled-in tools and their schemas.
func (r *ToolRunner) RegisterBuiltin(tools ...BuiltinTool) error {
	r.mu.Lock()
	for _, t := range tools {
		r.handlers[t.Name] = t.Handler
		r.toolsVersion++
	}
	r.mu.Unlock()
	for _, t := range tools {
		if err := r.deps.Schemas.RegisterToolSchema(t.Name, t.Definition, true); err != nil {
			return err
		}
	}
	return nil
}

// RegisterDynamic registers a loaded dynamic handler and its schema.
func (r *ToolRunner) RegisterDynamic(name string, def ToolDefinition, h ToolHandler) error {
	r.mu.Lock()
	r.handlers[name] = h
	r.dynamic[name] = true
	r.toolsVersion++
	r.mu.Unlock()
	return r.deps.Schemas.RegisterToolSchema(name, def, false)
}

// Unregister removes a dynamic tool. Built-ins cannot be removed.
func (r *ToolRunner) Unregister(name string) bool {
	r.mu.Lock()
	if !r.dynamic[name] {
		r.mu.Unlock()
		return false
	}
	delete(r.handlers, name)
	delete(r.dynamic, name)
	r.toolsVersion++
	r.mu.Unlock()
	r.deps.Schemas.UnregisterToolSchema(name)
	return true
}

// Has reports whether a tool is currently loaded.
func (r *ToolRunner) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// ArenaGating reports the persistent substrate-gating flag.
func (r *ToolRunner) ArenaGating() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.arenaGating
}

// SetArenaGating flips substrate gating and persists the flag.
func (r *ToolRunner) SetArenaGating(on bool) {
	r.mu.Lock()
	r.arenaGating = on
	r.mu.Unlock()
	value := "off"
	if on {
		value = "on"
	}
	if err := r.deps.VFS.Write(arenaGatingPath, []byte(value)); err != nil {
		r.logger.Warn("toolrunner: persist arena gating failed", "error", err)
	}
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(TopicToolRunnerGating, map[string]any{"enabled": on})
	}
}

func (r *ToolRunner) loadGatingFlag() {
	data, err := r.deps.VFS.Read(arenaGatingPath)
	if err != nil {
		return
	}
	r.arenaGating = strings.TrimSpace(string(data)) == "on"
}

// Execute dispatches one tool call: permission filter, lazy load, HITL
// gate, verification-wrapped mutation, invocation, audit.
func (r *ToolRunner) Execute(ctx context.Context, name string, rawArgs json.RawMessage, opts ExecOptions) (any, error) {
	if r.tracer != nil {
		var span Span
		ctx, span = r.tracer.Start(ctx, "tool.execute", StringAttr("tool", name))
		defer span.End()
	}
	sanitized := sanitizeArgs(rawArgs)

	// 1. Permission filter.
	if !toolAllowed(name, opts.AllowedTools) {
		auditError(ctx, r.deps.Audit, AuditToolDenied, map[string]any{
			"tool": name, "worker": opts.WorkerID, "args": sanitized,
		})
		return nil, &ToolError{Tool: name, Args: sanitized, Message: "permission denied",
			Err: &PermissionError{Tool: name, WorkerID: opts.WorkerID}}
	}

	// 2. Lazy load.
	if !r.Has(name) {
		if err := r.LoadToolModule(ctx, "/tools/"+name+".js", ""); err != nil || !r.Has(name) {
			return nil, &ToolError{Tool: name, Args: sanitized, Message: "not found",
				Err: &NotFoundError{Kind: "tool", Name: name}}
		}
	}

	args, err := decodeArgs(rawArgs)
	if err != nil {
		return nil, &ToolError{Tool: name, Args: sanitized, Message: "invalid args", Err: err}
	}
	if err := r.validateArgs(name, args); err != nil {
		return nil, &ToolError{Tool: name, Args: sanitized, Message: "invalid args", Err: err}
	}

	// 3. HITL approval for critical tools.
	if r.approvalMode != ApprovalAutonomous && criticalTools[name] && r.approver != nil {
		approved, err := r.requestApproval(ctx, ApprovalRequest{Tool: name, Args: sanitized, WorkerID: opts.WorkerID})
		if err != nil || !approved {
			auditInfo(ctx, r.deps.Audit, AuditToolRejected, map[string]any{
				"tool": name, "worker": opts.WorkerID, "args": sanitized,
			})
			return RejectedResult{Error: "Operation rejected by user", Rejected: true}, nil
		}
	}

	start := time.Now()
	result, err := r.dispatch(ctx, name, args, sanitized)
	duration := time.Since(start)

	payload := map[string]any{
		"tool": name, "args": sanitized, "duration_ms": duration.Milliseconds(),
		"success": err == nil,
	}
	if opts.WorkerID != "" {
		payload["worker"] = opts.WorkerID
	}
	if err != nil {
		payload["error"] = err.Error()
		auditError(ctx, r.deps.Audit, AuditToolExec, payload)
		var te *ToolError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &ToolError{Tool: name, Args: sanitized, Message: err.Error(), Err: err}
	}
	auditInfo(ctx, r.deps.Audit, AuditToolExec, payload)
	return result, nil
}

// dispatch invokes the handler, wrapping mutating tools in the
// snapshot, execute, verify, restore discipline: a rejected mutation
// never alters the VFS, and substrate targets additionally clear the
// arena's solo gate.
func (r *ToolRunner) dispatch(ctx context.Context, name string, args map[string]any, sanitized string) (any, error) {
	handler, ok := r.lookup(name)
	if !ok {
		return nil, &NotFoundError{Kind: "tool", Name: name}
	}
	if r.deps.Schemas.IsToolReadOnly(name) {
		return handler(ctx, args, r.deps)
	}

	target, _ := args["path"].(string)
	substrate := caps.IsSubstratePath(target)
	gated := substrate && r.ArenaGating()

	snap := r.deps.VFS.CreateSnapshot()
	result, err := handler(ctx, args, r.deps)
	if err != nil {
		// A failed mutating handler must not leave partial writes.
		r.deps.VFS.RestoreSnapshot(snap)
		return nil, err
	}

	diff := r.deps.VFS.DiffSnapshot(snap)
	if diff.Empty() {
		return result, nil
	}

	changes := make(map[string][]byte, len(diff.Added)+len(diff.Modified)+len(diff.Deleted))
	for _, p := range append(append([]string(nil), diff.Added...), diff.Modified...) {
		data, readErr := r.deps.VFS.Read(p)
		if readErr != nil {
			r.deps.VFS.RestoreSnapshot(snap)
			return nil, readErr
		}
		changes[p] = data
	}
	for _, p := range diff.Deleted {
		changes[p] = nil
	}

	if r.deps.Verifier != nil {
		resp := r.deps.Verifier.VerifyProposal(ctx, changes, verify.Options{QuickMode: true})
		r.publishVerifyEvents(resp.Events)
		if !resp.Passed {
			r.deps.VFS.RestoreSnapshot(snap)
			return nil, &ToolError{Tool: name, Args: sanitized, Message: "verification failed",
				Err: &VerificationError{Errors: resp.Errors, Warnings: resp.Warnings}}
		}
	}

	if gated && r.deps.Arena != nil {
		verdict := r.deps.Arena.VerifySolution(ctx, changes)
		if !verdict.Passed {
			r.deps.VFS.RestoreSnapshot(snap)
			return nil, &ToolError{Tool: name, Args: sanitized, Message: "substrate change rejected",
				Err: &VerificationError{Errors: verdict.Errors, Warnings: verdict.Warnings}}
		}
	}
	if substrate {
		auditInfo(ctx, r.deps.Audit, AuditSubstrateChange, map[string]any{
			"tool": name, "target": target, "gated": gated, "diff": r.deps.VFS.UnifiedDiff(snap),
		})
	}
	return result, nil
}

func (r *ToolRunner) publishVerifyEvents(events []verify.Event) {
	if r.deps.Bus == nil {
		return
	}
	for _, ev := range events {
		r.deps.Bus.Publish(ev.Topic, ev.Payload)
	}
}

func (r *ToolRunner) requestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, approvalTimeout)
	defer cancel()
	approved, err := r.approver.Approve(ctx, req)
	if err != nil {
		// Timeout or approver failure both read as rejection.
		return false, err
	}
	return approved, nil
}

func (r *ToolRunner) lookup(name string) (ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// validateArgs checks args against the tool's JSON-schema parameters.
// Tools without a registered schema (or without parameters) skip
// validation.
func (r *ToolRunner) validateArgs(name string, args map[string]any) error {
	def, err := r.deps.Schemas.GetToolSchema(name)
	if err != nil || len(def.Parameters) == 0 {
		return nil
	}
	var schemaDoc any
	if err := json.Unmarshal(def.Parameters, &schemaDoc); err != nil {
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return nil
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil
	}
	// Round-trip args through JSON so numbers validate as json numbers.
	blob, err := json.Marshal(args)
	if err != nil {
		return &ValidationError{Field: "args", Message: err.Error()}
	}
	var doc any
	if err := json.Unmarshal(blob, &doc); err != nil {
		return &ValidationError{Field: "args", Message: err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Field: "args", Message: err.Error()}
	}
	return nil
}

// GetToolSchemas returns OpenAI-style function schemas for every
// registered tool. The result is cached until the tool set changes.
func (r *ToolRunner) GetToolSchemas() []map[string]any {
	r.mu.RLock()
	if r.schemaCache != nil && r.cacheVersion == r.toolsVersion {
		cached := r.schemaCache
		r.mu.RUnlock()
		return cached
	}
	version := r.toolsVersion
	r.mu.RUnlock()

	defs := r.deps.Schemas.ListToolSchemas()
	schemas := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		if !r.Has(d.Name) {
			continue
		}
		params := d.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		schemas = append(schemas, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  params,
			},
		})
	}

	r.mu.Lock()
	if version == r.toolsVersion {
		r.schemaCache = schemas
		r.cacheVersion = version
	}
	r.mu.Unlock()
	return schemas
}

// Definitions returns the ToolDefinition list for loaded tools,
// optionally filtered to an allowed set. Used when assembling a
// ChatRequest.
func (r *ToolRunner) Definitions(allowed []string) []ToolDefinition {
	var out []ToolDefinition
	for _, d := range r.deps.Schemas.ListToolSchemas() {
		if !r.Has(d.Name) {
			continue
		}
		if !toolAllowed(d.Name, allowed) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func toolAllowed(name string, allowed []string) bool {
	if allowed == nil {
		return true
	}
	if slices.Contains(allowed, "*") {
		return true
	}
	return slices.Contains(allowed, name)
}

// sanitizeArgs renders args for the audit trail, truncating long string
// values so transcripts stay bounded.
func sanitizeArgs(raw json.RawMessage) string {
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		s := string(raw)
		if len(s) > 200 {
			s = s[:200] + "…"
		}
		return s
	}
	for k, v := range args {
		if s, ok := v.(string); ok && len(s) > 200 {
			args[k] = s[:200] + "…"
		}
	}
	out, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(out)
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &ValidationError{Field: "args", Message: fmt.Sprintf("not a JSON object: %v", err)}
	}
	return args, nil
}
