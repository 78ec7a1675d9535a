package reploid

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

const schemasPath = "/.system/schemas.json"

// readOnlyFallback names well-known read-only tools for schemas that do
// not carry an explicit ReadOnly field. Used by IsToolReadOnly and by the
// agent loop when partitioning a cycle's tool calls.
var readOnlyFallback = map[string]bool{
	"ReadFile":     true,
	"ListFiles":    true,
	"Grep":         true,
	"ListWorkers":  true,
	"RecallMemory": true,
	"GetSchema":    true,
}

// WorkerTypeConfig describes one spawnable worker type: its system prompt
// template and the tools its workers may call.
type WorkerTypeConfig struct {
	Description  string   `json:"description"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	AllowedTools []string `json:"allowed_tools"` // ["*"] = all
	ModelRole    string   `json:"model_role,omitempty"`
}

// persistedSchemas is the on-disk shape of /.system/schemas.json.
// Only non-built-ins are persisted.
type persistedSchemas struct {
	Tools   map[string]ToolDefinition   `json:"tools"`
	Workers map[string]WorkerTypeConfig `json:"workers"`
}

// SchemaRegistry owns tool and worker-type schema metadata. Built-in
// schemas register first and cannot be unregistered; non-built-ins persist
// to the VFS on every change and are reloaded on init without overwriting
// built-ins.
type SchemaRegistry struct {
	mu       sync.RWMutex
	vfs      *VFS
	logger   *slog.Logger
	tools    map[string]ToolDefinition
	workers  map[string]WorkerTypeConfig
	builtins map[string]bool
}

// SchemaOption configures a SchemaRegistry.
type SchemaOption func(*SchemaRegistry)

// WithSchemaLogger sets a structured logger.
func WithSchemaLogger(l *slog.Logger) SchemaOption {
	return func(r *SchemaRegistry) { r.logger = l }
}

// NewSchemaRegistry creates a registry persisting non-built-ins to vfs.
func NewSchemaRegistry(vfs *VFS, opts ...SchemaOption) *SchemaRegistry {
	r := &SchemaRegistry{
		vfs:      vfs,
		logger:   nopLogger,
		tools:    make(map[string]ToolDefinition),
		workers:  make(map[string]WorkerTypeConfig),
		builtins: make(map[string]bool),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Init loads persisted non-built-in schemas. Call after all built-ins are
// registered; persisted entries never overwrite built-ins.
func (r *SchemaRegistry) Init() error {
	data, err := r.vfs.Read(schemasPath)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	var p persistedSchemas
	if err := json.Unmarshal(data, &p); err != nil {
		r.logger.Warn("schema: persisted schemas unreadable, ignoring", "error", err)
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, def := range p.Tools {
		if r.builtins[name] {
			continue
		}
		r.tools[name] = def
	}
	for name, cfg := range p.Workers {
		if r.builtins["worker:"+name] {
			continue
		}
		r.workers[name] = cfg
	}
	return nil
}

// RegisterToolSchema registers or replaces a tool schema. Built-in status
// is set at registration and protects the schema from unregistration.
func (r *SchemaRegistry) RegisterToolSchema(name string, def ToolDefinition, builtin bool) error {
	if name == "" {
		return &ValidationError{Field: "name", Message: "empty tool name"}
	}
	def.Name = name
	r.mu.Lock()
	r.tools[name] = def
	if builtin {
		r.builtins[name] = true
	}
	persist := !builtin
	r.mu.Unlock()
	if persist {
		return r.persist()
	}
	return nil
}

// UnregisterToolSchema removes a non-built-in tool schema. Returns false
// when the schema is absent or built-in.
func (r *SchemaRegistry) UnregisterToolSchema(name string) bool {
	r.mu.Lock()
	if r.builtins[name] {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.tools[name]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.tools, name)
	r.mu.Unlock()
	if err := r.persist(); err != nil {
		r.logger.Warn("schema: persist after unregister failed", "tool", name, "error", err)
	}
	return true
}

// GetToolSchema returns the schema for name.
func (r *SchemaRegistry) GetToolSchema(name string) (ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	if !ok {
		return ToolDefinition{}, &NotFoundError{Kind: "schema", Name: name}
	}
	return def, nil
}

// IsToolReadOnly classifies a tool. The schema's explicit ReadOnly field
// wins; otherwise a small fallback list of well-known read-only names.
func (r *SchemaRegistry) IsToolReadOnly(name string) bool {
	r.mu.RLock()
	def, ok := r.tools[name]
	r.mu.RUnlock()
	if ok && def.ReadOnly {
		return true
	}
	if ok && !def.ReadOnly {
		// An explicit schema without the flag still defers to the
		// fallback list: most schemas simply omit the field.
		return readOnlyFallback[name]
	}
	return readOnlyFallback[name]
}

// ListToolSchemas returns all registered schemas sorted by name.
func (r *SchemaRegistry) ListToolSchemas() []ToolDefinition {
	r.mu.RLock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, d := range r.tools {
		defs = append(defs, d)
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// RegisterWorkerTypes registers a batch of worker-type configs.
func (r *SchemaRegistry) RegisterWorkerTypes(types map[string]WorkerTypeConfig, builtin bool) error {
	r.mu.Lock()
	for name, cfg := range types {
		r.workers[name] = cfg
		if builtin {
			r.builtins["worker:"+name] = true
		}
	}
	persist := !builtin
	r.mu.Unlock()
	if persist {
		return r.persist()
	}
	return nil
}

// GetWorkerType returns the config for a worker type.
func (r *SchemaRegistry) GetWorkerType(name string) (WorkerTypeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.workers[name]
	if !ok {
		return WorkerTypeConfig{}, &NotFoundError{Kind: "worker", Name: name}
	}
	return cfg, nil
}

// ListWorkerTypes returns registered worker-type names, sorted.
func (r *SchemaRegistry) ListWorkerTypes() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.workers))
	for n := range r.workers {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// persist writes all non-built-in schemas to /.system/schemas.json.
func (r *SchemaRegistry) persist() error {
	r.mu.RLock()
	p := persistedSchemas{
		Tools:   make(map[string]ToolDefinition),
		Workers: make(map[string]WorkerTypeConfig),
	}
	for name, def := range r.tools {
		if !r.builtins[name] {
			p.Tools[name] = def
		}
	}
	for name, cfg := range r.workers {
		if !r.builtins["worker:"+name] {
			p.Workers[name] = cfg
		}
	}
	r.mu.RUnlock()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return r.vfs.Write(schemasPath, data)
}
