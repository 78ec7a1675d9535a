// Package docimport provides ImportDocument: extract text from a
// document stored in the VFS (PDF or plain text) and index it into
// semantic memory, chunked at markdown structure boundaries.
package docimport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	reploid "github.com/clocksmith/reploid"
)

// importChunkChars bounds one indexed chunk.
const importChunkChars = 2000

// Tools returns the document-import tool pack.
func Tools() []reploid.BuiltinTool {
	return []reploid.BuiltinTool{
		{
			Name: "ImportDocument",
			Definition: reploid.ToolDefinition{
				Description: "Extract text from a document in the VFS (PDF or text) and index it into semantic memory for later recall.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"VFS path of the document"},"title":{"type":"string"}},"required":["path"]}`),
			},
			Handler: importDocument,
		},
	}
}

func importDocument(ctx context.Context, args map[string]any, deps *reploid.Deps) (any, error) {
	if deps.Semantic == nil {
		return nil, fmt.Errorf("semantic store not wired")
	}
	path, _ := args["path"].(string)
	title, _ := args["title"].(string)
	if title == "" {
		title = path
	}

	data, err := deps.VFS.Read(path)
	if err != nil {
		return nil, err
	}

	var text string
	if strings.HasSuffix(strings.ToLower(path), ".pdf") {
		text, err = extractPDF(data)
		if err != nil {
			return nil, err
		}
	} else {
		text = string(data)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("no extractable text in %s", path)
	}

	chunks := reploid.ChunkMarkdown(text, importChunkChars)
	for i, chunk := range chunks {
		_, err := deps.Semantic.AddMemory(ctx, reploid.SemanticMemory{
			Content: chunk,
			Domain:  "document",
			Source:  title,
			Metadata: map[string]string{
				"path":  path,
				"chunk": fmt.Sprintf("%d/%d", i+1, len(chunks)),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("index chunk %d: %w", i+1, err)
		}
	}
	return fmt.Sprintf("imported %s: %d chunks indexed", path, len(chunks)), nil
}

// extractPDF extracts plain text page by page. Pages that fail to
// extract are skipped rather than failing the whole document.
func extractPDF(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text.WriteString(pageText)
		text.WriteString("\n")
	}
	return text.String(), nil
}
