package jsrt

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// mapDeps is a Deps facade over an in-memory map.
type mapDeps struct {
	mu    sync.Mutex
	files map[string]string
	logs  []string
}

func newMapDeps() *mapDeps {
	return &mapDeps{files: map[string]string{}}
}

func (d *mapDeps) ReadFile(path string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	content, ok := d.files[path]
	if !ok {
		return "", errNotFound(path)
	}
	return content, nil
}

func (d *mapDeps) WriteFile(path, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[path] = content
	return nil
}

func (d *mapDeps) ListFiles(prefix string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for p := range d.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func (d *mapDeps) Log(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logs = append(d.logs, msg)
}

type errNotFound string

func (e errNotFound) Error() string { return "not found: " + string(e) }

func TestCompileAndCallArrow(t *testing.T) {
	h, err := Compile("AddNumbers", "export default (args) => args.a + args.b;")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	result, err := h(context.Background(), map[string]any{"a": 5, "b": 3}, newMapDeps())
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if n, ok := result.(int64); !ok || n != 8 {
		t.Errorf("result = %v (%T), want 8", result, result)
	}
}

func TestCompileCommonJS(t *testing.T) {
	h, err := Compile("Upper", "module.exports = function(args) { return args.s.toUpperCase(); };")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	result, err := h(context.Background(), map[string]any{"s": "hi"}, newMapDeps())
	if err != nil || result != "HI" {
		t.Errorf("result = %v, %v", result, err)
	}
}

func TestCompileCallObject(t *testing.T) {
	h, err := Compile("Obj", "module.exports = { call: (args) => 'called', schema: { description: 'd' } };")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	result, err := h(context.Background(), nil, newMapDeps())
	if err != nil || result != "called" {
		t.Errorf("result = %v, %v", result, err)
	}
}

func TestCompileRejectsNoHandler(t *testing.T) {
	if _, err := Compile("Nothing", "var x = 1;"); err == nil {
		t.Errorf("handlerless module compiled")
	}
	if _, err := Compile("Broken", "function ("); err == nil {
		t.Errorf("syntax error compiled")
	}
}

func TestDepsBridge(t *testing.T) {
	deps := newMapDeps()
	deps.files["/apps/in.txt"] = "input data"
	h, err := Compile("Bridge", `
module.exports = (args, deps) => {
  var content = deps.readFile("/apps/in.txt");
  deps.writeFile("/apps/out.txt", content + "!");
  deps.log("bridged");
  return deps.listFiles("/apps/").length;
};`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	result, err := h(context.Background(), nil, deps)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if n, ok := result.(int64); !ok || n != 2 {
		t.Errorf("listFiles length = %v", result)
	}
	if deps.files["/apps/out.txt"] != "input data!" {
		t.Errorf("writeFile = %q", deps.files["/apps/out.txt"])
	}
	if len(deps.logs) != 1 || deps.logs[0] != "bridged" {
		t.Errorf("logs = %v", deps.logs)
	}
}

func TestDepsErrorBecomesException(t *testing.T) {
	h, err := Compile("ReadMissing", `
module.exports = (args, deps) => {
  try {
    deps.readFile("/missing");
    return "no exception";
  } catch (e) {
    return "caught: " + e;
  }
};`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	result, err := h(context.Background(), nil, newMapDeps())
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if s, ok := result.(string); !ok || !strings.Contains(s, "caught") {
		t.Errorf("result = %v", result)
	}
}

func TestInterruptOnCancel(t *testing.T) {
	h, err := Compile("Spin", "module.exports = () => { while (true) {} };")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h(ctx, nil, newMapDeps())
	if err == nil {
		t.Fatalf("runaway handler returned")
	}
	if !strings.Contains(err.Error(), "interrupted") {
		t.Errorf("err = %v", err)
	}
}

func TestVMIsolationBetweenCalls(t *testing.T) {
	h, err := Compile("Counter", "var n = 0;\nmodule.exports = () => { n++; return n; };")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for i := 0; i < 3; i++ {
		result, err := h(context.Background(), nil, newMapDeps())
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if n, ok := result.(int64); !ok || n != 1 {
			t.Errorf("call %d leaked state: %v", i, result)
		}
	}
}

func TestExtractSchema(t *testing.T) {
	source := `
module.exports = (args) => args.a;
module.exports = Object.assign(module.exports, {});
module.exports.schema = {
  description: "adds things",
  readOnly: true,
  parameters: { type: "object", properties: { a: { type: "number" } } }
};`
	s, err := ExtractSchema("WithMeta", source)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if s.Description != "adds things" || !s.ReadOnly {
		t.Errorf("schema = %+v", s)
	}
	if !strings.Contains(string(s.Parameters), `"type"`) {
		t.Errorf("parameters = %s", s.Parameters)
	}
}

func TestExtractSchemaAbsent(t *testing.T) {
	s, err := ExtractSchema("Plain", "module.exports = () => 1;")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if s.Description != "" || s.ReadOnly || s.Parameters != nil {
		t.Errorf("schema = %+v, want zero", s)
	}
}
