// Package jsrt executes dynamically created tool handlers in an embedded
// JavaScript runtime (goja). A tool's source of truth is a file under
// /tools/ in the VFS; Compile turns that source into a Go-callable
// handler with an (args, deps) bridge, so tools the agent writes for
// itself run in the same process without a browser module loader.
package jsrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dop251/goja"
)

// Deps is the restricted capability facade handed to a dynamic tool.
// The tool runner backs it with the VFS and the logger; dynamic tools
// never see the full deps bag built-in tools receive.
type Deps interface {
	ReadFile(path string) (string, error)
	WriteFile(path, content string) error
	ListFiles(prefix string) []string
	Log(msg string)
}

// Handler invokes a compiled dynamic tool.
type Handler func(ctx context.Context, args map[string]any, deps Deps) (any, error)

// maxExecution bounds one dynamic tool call independent of the caller's
// context, as a backstop against handlers that spin.
const maxExecution = 30 * time.Second

// export-default is rewritten to a CommonJS assignment: goja executes
// scripts, not ES modules, and the one-line rewrite keeps both authoring
// styles loadable.
var reExportDefault = regexp.MustCompile(`(?m)^\s*export\s+default\b`)

// Compile parses and prepares a tool source. The source must resolve a
// handler: `module.exports` as a function, an exported object with a
// `call` function, or `export default` of either. Compile failures are
// returned eagerly so CreateTool can reject bad code before registering.
func Compile(name, source string) (Handler, error) {
	rewritten := reExportDefault.ReplaceAllString(source, "module.exports =")
	program, err := goja.Compile(name, rewritten, true)
	if err != nil {
		return nil, fmt.Errorf("jsrt: compile %s: %w", name, err)
	}

	// Probe once at compile time so an unresolvable handler fails fast.
	vm := goja.New()
	if _, err := resolveHandler(vm, program); err != nil {
		return nil, fmt.Errorf("jsrt: %s: %w", name, err)
	}

	return func(ctx context.Context, args map[string]any, deps Deps) (result any, err error) {
		// A fresh VM per call: no state leaks between invocations and an
		// interrupted VM can simply be discarded.
		vm := goja.New()
		fn, err := resolveHandler(vm, program)
		if err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, maxExecution)
		defer cancel()
		stop := make(chan struct{})
		go func() {
			select {
			case <-callCtx.Done():
				vm.Interrupt("interrupted")
			case <-stop:
			}
		}()
		defer close(stop)

		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("jsrt: %s panicked: %v", name, p)
			}
		}()

		value, err := fn(goja.Undefined(), vm.ToValue(args), depsObject(vm, deps))
		if err != nil {
			var interrupted *goja.InterruptedError
			if errors.As(err, &interrupted) {
				return nil, fmt.Errorf("jsrt: %s interrupted: %w", name, callCtx.Err())
			}
			return nil, fmt.Errorf("jsrt: %s: %w", name, err)
		}
		return value.Export(), nil
	}, nil
}

// resolveHandler runs the program in vm and locates the callable.
func resolveHandler(vm *goja.Runtime, program *goja.Program) (goja.Callable, error) {
	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", exports)

	if _, err := vm.RunProgram(program); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}

	exported := module.Get("exports")
	if fn, ok := goja.AssertFunction(exported); ok {
		return fn, nil
	}
	if obj, ok := exported.(*goja.Object); ok {
		if fn, ok := goja.AssertFunction(obj.Get("call")); ok {
			return fn, nil
		}
	}
	return nil, errors.New("module has no default export function and no call function")
}

// depsObject bridges the Deps facade into the VM. Facade errors become
// JavaScript exceptions inside the handler.
func depsObject(vm *goja.Runtime, deps Deps) goja.Value {
	obj := vm.NewObject()
	_ = obj.Set("readFile", func(path string) string {
		content, err := deps.ReadFile(path)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return content
	})
	_ = obj.Set("writeFile", func(path, content string) {
		if err := deps.WriteFile(path, content); err != nil {
			panic(vm.ToValue(err.Error()))
		}
	})
	_ = obj.Set("listFiles", func(prefix string) []string {
		return deps.ListFiles(prefix)
	})
	_ = obj.Set("log", func(msg string) {
		deps.Log(msg)
	})
	return obj
}

// Schema is optional metadata a tool module may export alongside its
// handler (`module.exports.schema = {...}` or a `schema` property on the
// default export object).
type Schema struct {
	Description string
	Parameters  []byte // JSON Schema, nil when absent
	ReadOnly    bool
}

// ExtractSchema evaluates the module once and returns its exported
// schema metadata, if any. A module without metadata returns the zero
// Schema and no error.
func ExtractSchema(name, source string) (Schema, error) {
	rewritten := reExportDefault.ReplaceAllString(source, "module.exports =")
	program, err := goja.Compile(name, rewritten, true)
	if err != nil {
		return Schema{}, fmt.Errorf("jsrt: compile %s: %w", name, err)
	}
	vm := goja.New()
	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", exports)
	if _, err := vm.RunProgram(program); err != nil {
		return Schema{}, fmt.Errorf("jsrt: evaluate %s: %w", name, err)
	}

	exported, ok := module.Get("exports").(*goja.Object)
	if !ok {
		return Schema{}, nil
	}
	schemaVal := exported.Get("schema")
	if schemaVal == nil || goja.IsUndefined(schemaVal) || goja.IsNull(schemaVal) {
		return Schema{}, nil
	}
	obj, ok := schemaVal.(*goja.Object)
	if !ok {
		return Schema{}, nil
	}

	var s Schema
	if v := obj.Get("description"); v != nil && !goja.IsUndefined(v) {
		s.Description = v.String()
	}
	if v := obj.Get("readOnly"); v != nil && !goja.IsUndefined(v) {
		s.ReadOnly = v.ToBoolean()
	}
	if v := obj.Get("parameters"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		if blob, err := json.Marshal(v.Export()); err == nil {
			s.Parameters = blob
		}
	}
	return s, nil
}
