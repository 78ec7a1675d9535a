package reploid

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestMemory(t *testing.T, opts ...MemoryOption) (*MemoryManager, *VFS, *fakeProvider, *fakeSemantic) {
	t.Helper()
	vfs := NewVFS()
	provider := &fakeProvider{script: []ChatResponse{{Content: "merged summary"}}}
	semantic := &fakeSemantic{}
	m := NewMemoryManager(vfs, provider, fakeEmbedder{}, semantic, opts...)
	return m, vfs, provider, semantic
}

func TestMemoryAddAndWorking(t *testing.T) {
	m, _, _, _ := newTestMemory(t)
	id, err := m.Add(context.Background(), UserMessage("hello there"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id == "" {
		t.Errorf("empty id")
	}
	working := m.Working()
	if len(working) != 1 || working[0].Content != "hello there" {
		t.Errorf("working = %+v", working)
	}
}

func TestMemoryAddRejectsMissingRole(t *testing.T) {
	m, _, _, _ := newTestMemory(t)
	_, err := m.Add(context.Background(), ChatMessage{Content: "no role"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestMemoryEviction(t *testing.T) {
	m, vfs, provider, semantic := newTestMemory(t, WithWorkingLimit(200))
	ctx := context.Background()

	long := strings.Repeat("remember this fact about the project ", 10)
	for range 8 {
		if _, err := m.Add(ctx, UserMessage(long)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	if len(m.Working()) >= 8 {
		t.Errorf("eviction never fired; working = %d entries", len(m.Working()))
	}
	// Summary was merged via the LLM and persisted.
	if provider.callCount() == 0 {
		t.Errorf("summarizer never called")
	}
	data, err := vfs.Read("/memory/episodes/summary.md")
	if err != nil || string(data) != "merged summary" {
		t.Errorf("summary = %q, %v", data, err)
	}
	// Full history JSONL grew.
	hist, err := vfs.Read("/memory/episodes/full.jsonl")
	if err != nil || !strings.Contains(string(hist), "remember this fact") {
		t.Errorf("history = %v", err)
	}
	// Long entries were indexed.
	stats, _ := semantic.GetStats(ctx)
	if stats.Count == 0 {
		t.Errorf("nothing indexed into semantic store")
	}
}

func TestMemoryEvictionFailureRestores(t *testing.T) {
	m, _, _, semantic := newTestMemory(t)
	ctx := context.Background()
	long := strings.Repeat("important content ", 10)
	for range 4 {
		_, _ = m.Add(ctx, UserMessage(long))
	}
	before := len(m.Working())

	semantic.addErr = errors.New("index down")
	err := m.EvictOldest(ctx, 2)
	if err == nil {
		t.Fatalf("expected eviction error")
	}
	if got := len(m.Working()); got != before {
		t.Errorf("working = %d entries after failed eviction, want %d", got, before)
	}
	// Order preserved: the restored entries lead.
	if m.Working()[0].Content != long {
		t.Errorf("restored entries out of order")
	}
}

func TestMemoryEvictBoundaries(t *testing.T) {
	m, _, _, _ := newTestMemory(t)
	ctx := context.Background()
	if err := m.EvictOldest(ctx, 3); err != nil {
		t.Errorf("evict on empty: %v", err)
	}
	_, _ = m.Add(ctx, UserMessage("only one"))
	if err := m.EvictOldest(ctx, 10); err != nil {
		t.Errorf("evict more than present: %v", err)
	}
	if len(m.Working()) != 0 {
		t.Errorf("working not drained")
	}
}

func TestMemoryRetrieve(t *testing.T) {
	m, vfs, _, semantic := newTestMemory(t)
	ctx := context.Background()
	_ = vfs.Write("/memory/episodes/summary.md", []byte("the session so far"))
	now := NowUnixMilli()
	for i, content := range []string{
		"alpha fact about the build system",
		"beta fact about deployment",
		"gamma fact about testing",
	} {
		_, _ = semantic.AddMemory(ctx, SemanticMemory{Content: content, Timestamp: now - int64(i)*1000})
	}

	rc, err := m.Retrieve(ctx, "build system", RetrieveOptions{MaxTokens: 500, IncludeSummary: true, TopK: 2})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if rc.Summary != "the session so far" {
		t.Errorf("summary = %q", rc.Summary)
	}
	if len(rc.Memories) != 2 {
		t.Errorf("memories = %d, want topK=2", len(rc.Memories))
	}
	if rc.Tokens == 0 {
		t.Errorf("token accounting missing")
	}
}

func TestTemporalContiguityBoost(t *testing.T) {
	now := NowUnixMilli()
	results := []ScoredMemory{
		{Memory: SemanticMemory{ID: "lone", Timestamp: now - 10*60_000}, Similarity: 0.8},
		{Memory: SemanticMemory{ID: "pair1", Timestamp: now}, Similarity: 0.7},
		{Memory: SemanticMemory{ID: "pair2", Timestamp: now + 30_000}, Similarity: 0.7},
	}
	boosted := applyTemporalContiguity(results)
	byID := map[string]float64{}
	for _, r := range boosted {
		byID[r.Memory.ID] = r.Similarity
	}
	if byID["lone"] != 0.8 {
		t.Errorf("lone entry boosted: %v", byID["lone"])
	}
	if byID["pair1"] != 0.85 || byID["pair2"] != 0.85 {
		t.Errorf("contiguous pair not boosted: %v %v", byID["pair1"], byID["pair2"])
	}
}

func TestAnticipatoryRetrieveMergesDeduped(t *testing.T) {
	m, _, _, semantic := newTestMemory(t)
	ctx := context.Background()
	for _, content := range []string{
		"project conventions: tabs, table tests",
		"api contract for the ingest service",
		"last deploy failed on migrations",
	} {
		_, _ = semantic.AddMemory(ctx, SemanticMemory{Content: content})
	}

	rc, err := m.AnticipatoryRetrieve(ctx, "implement the new export function")
	if err != nil {
		t.Fatalf("anticipatory retrieve: %v", err)
	}
	seen := map[string]int{}
	for _, r := range rc.Memories {
		seen[r.Memory.Content]++
		if seen[r.Memory.Content] > 1 {
			t.Errorf("duplicate memory in merged result: %q", r.Memory.Content)
		}
	}
	if len(rc.Memories) == 0 {
		t.Errorf("no memories recalled")
	}
}

func TestAdaptivePruneSkipsUnderTrigger(t *testing.T) {
	m, _, _, semantic := newTestMemory(t)
	ctx := context.Background()
	for range 10 {
		_, _ = semantic.AddMemory(ctx, SemanticMemory{Content: "x"})
	}
	report, err := m.AdaptivePrune(ctx, false)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !report.Skipped || report.Removed != 0 {
		t.Errorf("report = %+v, want skipped", report)
	}
}

func TestRetentionScore(t *testing.T) {
	now := NowUnixMilli()
	fresh := SemanticMemory{Timestamp: now, Metadata: map[string]string{"type": "user"}}
	if r := retentionScore(fresh, now); r < 0.99 {
		t.Errorf("fresh retention = %f", r)
	}
	dayOld := SemanticMemory{Timestamp: now - int64(24*time.Hour/time.Millisecond), Metadata: map[string]string{"type": "tool_result"}}
	r := retentionScore(dayOld, now)
	// One base half-life with importance 1.0: e^-1.
	if r < 0.36 || r > 0.38 {
		t.Errorf("day-old tool_result retention = %f, want ~0.3679", r)
	}
	// A goal of the same age retains far more.
	goal := SemanticMemory{Timestamp: dayOld.Timestamp, Metadata: map[string]string{"type": "goal"}}
	if rg := retentionScore(goal, now); rg <= r {
		t.Errorf("goal retention %f should exceed tool_result %f", rg, r)
	}
	// Access count slows decay.
	accessed := SemanticMemory{Timestamp: dayOld.Timestamp, AccessCount: 3, Metadata: map[string]string{"type": "tool_result"}}
	if ra := retentionScore(accessed, now); ra <= r {
		t.Errorf("accessed retention %f should exceed untouched %f", ra, r)
	}
}

func TestBuildContextMessages(t *testing.T) {
	m, vfs, _, semantic := newTestMemory(t)
	ctx := context.Background()
	_ = vfs.Write("/memory/episodes/summary.md", []byte("summary text"))
	_, _ = semantic.AddMemory(ctx, SemanticMemory{Content: "a relevant long-term memory", Source: "user"})

	msgs := m.BuildContextMessages(ctx, "what do we know")
	if len(msgs) != 1 || msgs[0].Role != "system" {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.Contains(msgs[0].Content, "summary text") || !strings.Contains(msgs[0].Content, "relevant long-term memory") {
		t.Errorf("recall content = %q", msgs[0].Content)
	}
}

func TestSummaryFailureKeepsPrevious(t *testing.T) {
	vfs := NewVFS()
	_ = vfs.Write("/memory/episodes/summary.md", []byte("previous summary"))
	provider := &fakeProvider{errs: []error{errors.New("llm down")}}
	m := NewMemoryManager(vfs, provider, nil, nil)
	if err := m.updateSummary(context.Background(), []MemoryEntry{{Role: "user", Content: "new"}}); err != nil {
		t.Fatalf("updateSummary should degrade, got %v", err)
	}
	data, _ := vfs.Read("/memory/episodes/summary.md")
	if string(data) != "previous summary" {
		t.Errorf("summary lost on provider failure: %q", data)
	}
}
