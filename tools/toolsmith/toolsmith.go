// Package toolsmith provides the self-extension tools: CreateTool writes
// a new tool's source into /tools/ and registers it; LoadModule loads an
// existing source file as a live tool. Both verify the source before any
// registration happens, so a bad tool never enters the live map.
package toolsmith

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	reploid "github.com/clocksmith/reploid"
	"github.com/clocksmith/reploid/verify"
)

// Tool names are CamelCase by convention; the name doubles as the file
// basename under /tools/.
var reCamelCase = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)

// Tools returns the self-extension tool pack.
func Tools() []reploid.BuiltinTool {
	return []reploid.BuiltinTool{
		{
			Name: "CreateTool",
			Definition: reploid.ToolDefinition{
				Description: "Create a new tool: verify the JavaScript handler source, store it at /tools/<Name>.js, and register it for immediate use.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","description":"CamelCase tool name"},"code":{"type":"string","description":"Handler source; export default (args, deps) => result"},"description":{"type":"string"},"parameters":{"type":"object","description":"JSON Schema for the tool arguments"}},"required":["name","code"]}`),
			},
			Handler: createTool,
		},
		{
			Name: "LoadModule",
			Definition: reploid.ToolDefinition{
				Description: "Load a tool module from an existing /tools/ source file.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"name":{"type":"string","description":"Optional name override"}},"required":["path"]}`),
			},
			Handler: loadModule,
		},
	}
}

func createTool(ctx context.Context, args map[string]any, deps *reploid.Deps) (any, error) {
	name, _ := args["name"].(string)
	code, _ := args["code"].(string)
	if !reCamelCase.MatchString(name) {
		return nil, fmt.Errorf("tool name must be CamelCase: %q", name)
	}
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}
	path := "/tools/" + name + ".js"

	// Verify before anything becomes visible: the runner's dispatch will
	// verify the write again, but registration must not outlive a failed
	// verification.
	if deps.Verifier != nil {
		resp := deps.Verifier.VerifyProposal(ctx, map[string][]byte{path: []byte(code)}, verify.Options{QuickMode: true})
		if !resp.Passed {
			return nil, &reploid.VerificationError{Errors: resp.Errors, Warnings: resp.Warnings}
		}
	}

	if err := deps.VFS.Write(path, []byte(code)); err != nil {
		return nil, err
	}
	if err := deps.Runner.LoadToolModule(ctx, path, name); err != nil {
		return nil, err
	}

	// An explicit description or parameter schema wins over whatever the
	// module metadata declared.
	desc, _ := args["description"].(string)
	params, hasParams := args["parameters"].(map[string]any)
	if desc != "" || hasParams {
		def, err := deps.Schemas.GetToolSchema(name)
		if err == nil {
			if desc != "" {
				def.Description = desc
			}
			if hasParams {
				if blob, err := json.Marshal(params); err == nil {
					def.Parameters = blob
				}
			}
			if err := deps.Schemas.RegisterToolSchema(name, def, false); err != nil {
				return nil, err
			}
		}
	}
	return fmt.Sprintf("tool %s created at %s", name, path), nil
}

func loadModule(ctx context.Context, args map[string]any, deps *reploid.Deps) (any, error) {
	path, _ := args["path"].(string)
	name, _ := args["name"].(string)
	if deps.Verifier != nil {
		code, err := deps.VFS.Read(path)
		if err != nil {
			return nil, err
		}
		resp := deps.Verifier.VerifyProposal(ctx, map[string][]byte{path: code}, verify.Options{QuickMode: true})
		if !resp.Passed {
			return nil, &reploid.VerificationError{Errors: resp.Errors, Warnings: resp.Warnings}
		}
	}
	if err := deps.Runner.LoadToolModule(ctx, path, name); err != nil {
		return nil, err
	}
	return "loaded module " + path, nil
}
