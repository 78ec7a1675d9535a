package docimport

import (
	"context"
	"strings"
	"sync"
	"testing"

	reploid "github.com/clocksmith/reploid"
)

type stubStore struct {
	mu      sync.Mutex
	entries []reploid.SemanticMemory
}

func (s *stubStore) AddMemory(_ context.Context, m reploid.SemanticMemory) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = reploid.NewID()
	s.entries = append(s.entries, m)
	return m.ID, nil
}

func (s *stubStore) SearchSimilar(context.Context, []float32, int, float64) ([]reploid.ScoredMemory, error) {
	return nil, nil
}
func (s *stubStore) DeleteMemory(context.Context, string) error { return nil }
func (s *stubStore) GetAllMemories(context.Context) ([]reploid.SemanticMemory, error) {
	return s.entries, nil
}
func (s *stubStore) GetStats(context.Context) (reploid.SemanticStats, error) {
	return reploid.SemanticStats{Count: len(s.entries)}, nil
}

func importHandler(t *testing.T) reploid.ToolHandler {
	t.Helper()
	tools := Tools()
	if len(tools) != 1 || tools[0].Name != "ImportDocument" {
		t.Fatalf("tools = %+v", tools)
	}
	return tools[0].Handler
}

func TestImportTextDocument(t *testing.T) {
	store := &stubStore{}
	vfs := reploid.NewVFS()
	doc := "# Section One\n" + strings.Repeat("first section prose. ", 60) +
		"\n# Section Two\n" + strings.Repeat("second section prose. ", 60)
	_ = vfs.Write("/apps/notes.md", []byte(doc))
	deps := &reploid.Deps{VFS: vfs, Semantic: store}

	result, err := importHandler(t)(context.Background(), map[string]any{"path": "/apps/notes.md", "title": "Notes"}, deps)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(result.(string), "chunks indexed") {
		t.Errorf("result = %v", result)
	}
	if len(store.entries) < 2 {
		t.Fatalf("entries = %d, want chunked", len(store.entries))
	}
	first := store.entries[0]
	if first.Domain != "document" || first.Source != "Notes" {
		t.Errorf("entry = %+v", first)
	}
	if first.Metadata["path"] != "/apps/notes.md" || !strings.Contains(first.Metadata["chunk"], "/") {
		t.Errorf("metadata = %+v", first.Metadata)
	}
}

func TestImportMissingDocument(t *testing.T) {
	deps := &reploid.Deps{VFS: reploid.NewVFS(), Semantic: &stubStore{}}
	if _, err := importHandler(t)(context.Background(), map[string]any{"path": "/absent"}, deps); !reploid.IsNotFound(err) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestImportCorruptPDF(t *testing.T) {
	vfs := reploid.NewVFS()
	_ = vfs.Write("/docs/bad.pdf", []byte("not really a pdf"))
	deps := &reploid.Deps{VFS: vfs, Semantic: &stubStore{}}
	if _, err := importHandler(t)(context.Background(), map[string]any{"path": "/docs/bad.pdf"}, deps); err == nil {
		t.Errorf("corrupt pdf accepted")
	}
}

func TestImportUnwiredStore(t *testing.T) {
	deps := &reploid.Deps{VFS: reploid.NewVFS()}
	if _, err := importHandler(t)(context.Background(), map[string]any{"path": "/x"}, deps); err == nil {
		t.Errorf("unwired store accepted")
	}
}
