package reploid

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/clocksmith/reploid/jsrt"
)

// Init enumerates /tools/ and loads every module as a dynamic tool.
// Test files are skipped. Call after built-ins are registered: later
// registration wins, so a module named like a built-in replaces it (the
// agent's own override mechanism), and no warning is logged.
func (r *ToolRunner) Init(ctx context.Context) error {
	for _, p := range r.deps.VFS.List("/tools/") {
		if !isToolSource(p) {
			continue
		}
		if err := r.LoadToolModule(ctx, p, ""); err != nil {
			r.logger.Warn("toolrunner: skipping unloadable tool", "path", p, "error", err)
		}
	}
	return nil
}

func isToolSource(p string) bool {
	base := path.Base(p)
	if strings.Contains(base, ".test.") || strings.HasSuffix(base, "_test.js") {
		return false
	}
	return strings.HasSuffix(base, ".js") || strings.HasSuffix(base, ".mjs")
}

// LoadToolModule reads a tool source from the VFS, compiles it in the
// embedded runtime, and registers it as a dynamic tool. The tool name is
// forcedName when given, else the file basename without extension.
func (r *ToolRunner) LoadToolModule(_ context.Context, vfsPath, forcedName string) error {
	data, err := r.deps.VFS.Read(vfsPath)
	if err != nil {
		return err
	}
	name := forcedName
	if name == "" {
		base := path.Base(vfsPath)
		name = strings.TrimSuffix(base, path.Ext(base))
	}

	handler, err := jsrt.Compile(name, string(data))
	if err != nil {
		return fmt.Errorf("load %s: %w", vfsPath, err)
	}

	def := ToolDefinition{
		Name:        name,
		Description: "Dynamic tool " + name,
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
	}
	if meta, err := jsrt.ExtractSchema(name, string(data)); err == nil {
		if meta.Description != "" {
			def.Description = meta.Description
		}
		if meta.Parameters != nil {
			def.Parameters = meta.Parameters
		}
		def.ReadOnly = meta.ReadOnly
	}

	return r.RegisterDynamic(name, def, r.wrapDynamic(name, handler))
}

// wrapDynamic adapts a compiled jsrt handler to the ToolHandler shape,
// giving the dynamic tool the restricted deps facade instead of the full
// bag.
func (r *ToolRunner) wrapDynamic(name string, h jsrt.Handler) ToolHandler {
	return func(ctx context.Context, args map[string]any, deps *Deps) (any, error) {
		return h(ctx, args, &dynamicDeps{name: name, deps: deps})
	}
}

// dynamicDeps is the restricted facade dynamic tools see: VFS file
// operations and a log line, nothing else. WriteFile checks every target
// against the capability matrix for the tool's /tools/<name>.js source
// path.
type dynamicDeps struct {
	name string
	deps *Deps
}

var _ jsrt.Deps = (*dynamicDeps)(nil)

func (d *dynamicDeps) ReadFile(p string) (string, error) {
	data, err := d.deps.VFS.Read(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *dynamicDeps) WriteFile(p, content string) error {
	src := "/tools/" + d.name + ".js"
	if !d.deps.Matrix.CanWriteTo(src, p) {
		return &PermissionError{Tool: d.name}
	}
	return d.deps.VFS.Write(p, []byte(content))
}

func (d *dynamicDeps) ListFiles(prefix string) []string {
	return d.deps.VFS.List(prefix)
}

func (d *dynamicDeps) Log(msg string) {
	if d.deps.Logger != nil {
		d.deps.Logger.Info("tool log", "tool", d.name, "msg", msg)
	}
}
