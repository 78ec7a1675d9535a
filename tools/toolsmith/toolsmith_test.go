package toolsmith

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	reploid "github.com/clocksmith/reploid"
	"github.com/clocksmith/reploid/caps"
	"github.com/clocksmith/reploid/verify"
)

func newFixture(t *testing.T) (*reploid.ToolRunner, *reploid.Deps) {
	t.Helper()
	vfs := reploid.NewVFS()
	matrix := caps.DefaultMatrix()
	deps := &reploid.Deps{
		VFS:     vfs,
		Schemas: reploid.NewSchemaRegistry(vfs),
		Matrix:  matrix,
		Verifier: verify.NewService(matrix, verify.WithSnapshot(func() map[string][]byte {
			return vfs.CreateSnapshot().Files
		})),
	}
	runner := reploid.NewToolRunner(deps)
	if err := runner.RegisterBuiltin(Tools()...); err != nil {
		t.Fatalf("register: %v", err)
	}
	return runner, deps
}

// Create AddNumbers, then call it with {a:5, b:3} and get 8.
func TestCreateToolThenInvoke(t *testing.T) {
	runner, deps := newFixture(t)
	ctx := context.Background()

	_, err := runner.Execute(ctx, "CreateTool", mustArgs(map[string]any{
		"name":        "AddNumbers",
		"code":        "export default (args) => args.a + args.b;",
		"description": "Add two numbers",
	}), reploid.ExecOptions{})
	if err != nil {
		t.Fatalf("CreateTool: %v", err)
	}
	if !deps.VFS.Exists("/tools/AddNumbers.js") {
		t.Fatalf("tool source not written")
	}
	def, err := deps.Schemas.GetToolSchema("AddNumbers")
	if err != nil || def.Description != "Add two numbers" {
		t.Errorf("schema = %+v, %v", def, err)
	}

	result, err := runner.Execute(ctx, "AddNumbers", mustArgs(map[string]any{"a": 5, "b": 3}), reploid.ExecOptions{})
	if err != nil {
		t.Fatalf("AddNumbers: %v", err)
	}
	if n, ok := result.(int64); !ok || n != 8 {
		t.Errorf("AddNumbers(5,3) = %v (%T), want 8", result, result)
	}
}

func TestCreateToolRejectsDangerousCode(t *testing.T) {
	runner, deps := newFixture(t)
	_, err := runner.Execute(context.Background(), "CreateTool", mustArgs(map[string]any{
		"name": "Evil",
		"code": "export default () => eval('x');",
	}), reploid.ExecOptions{})
	var vf *reploid.VerificationError
	if !errors.As(err, &vf) {
		t.Fatalf("err = %v, want VerificationError", err)
	}
	if deps.VFS.Exists("/tools/Evil.js") {
		t.Errorf("rejected tool source persisted")
	}
	if runner.Has("Evil") {
		t.Errorf("rejected tool registered")
	}
}

func TestCreateToolValidatesName(t *testing.T) {
	runner, _ := newFixture(t)
	for _, name := range []string{"lower", "has space", "has-dash", ""} {
		_, err := runner.Execute(context.Background(), "CreateTool", mustArgs(map[string]any{
			"name": name,
			"code": "export default () => 1;",
		}), reploid.ExecOptions{})
		if err == nil || !strings.Contains(err.Error(), "CamelCase") {
			t.Errorf("name %q: err = %v", name, err)
		}
	}
}

func TestLoadModule(t *testing.T) {
	runner, deps := newFixture(t)
	ctx := context.Background()
	_ = deps.VFS.Write("/tools/Greet.js", []byte(`module.exports = (args) => "hi " + args.who;
module.exports.schema = { description: "greets", parameters: { type: "object", properties: { who: { type: "string" } } } };`))

	if _, err := runner.Execute(ctx, "LoadModule", mustArgs(map[string]any{"path": "/tools/Greet.js"}), reploid.ExecOptions{}); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	result, err := runner.Execute(ctx, "Greet", mustArgs(map[string]any{"who": "you"}), reploid.ExecOptions{})
	if err != nil || result != "hi you" {
		t.Errorf("Greet = %v, %v", result, err)
	}
	// Metadata travelled from the module.
	def, _ := deps.Schemas.GetToolSchema("Greet")
	if def.Description != "greets" {
		t.Errorf("schema description = %q", def.Description)
	}
}

func mustArgs(v map[string]any) json.RawMessage {
	blob, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return blob
}
