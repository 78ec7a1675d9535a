package reploid

import (
	"context"
	"encoding/json"
	"sync"
)

// fakeProvider replays a scripted sequence of responses. Each Chat call
// consumes the next entry; when the script runs out it returns the last
// entry (or an empty response).
type fakeProvider struct {
	mu       sync.Mutex
	script   []ChatResponse
	errs     []error
	calls    int
	requests []ChatRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	if idx < len(p.errs) && p.errs[idx] != nil {
		return ChatResponse{}, p.errs[idx]
	}
	if len(p.script) == 0 {
		return ChatResponse{}, nil
	}
	if idx >= len(p.script) {
		return p.script[len(p.script)-1], nil
	}
	return p.script[idx], nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// toolCallResponse builds an assistant response carrying native tool
// calls.
func toolCallResponse(calls ...ToolCall) ChatResponse {
	return ChatResponse{ToolCalls: calls}
}

func mustArgs(v map[string]any) json.RawMessage {
	blob, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return blob
}

// fakeEmbedder returns deterministic vectors derived from content bytes,
// so identical texts embed identically and similarity search is stable.
type fakeEmbedder struct{}

func (fakeEmbedder) Name() string    { return "fake-embed" }
func (fakeEmbedder) Dimensions() int { return 8 }

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, 8)
		for j, c := range []byte(t) {
			vec[j%8] += float32(c) / 255
		}
		out[i] = vec
	}
	return out, nil
}

// fakeSemantic is an in-memory SemanticStore keyed by insertion order.
// SearchSimilar returns all entries with a fixed descending score; good
// enough for exercising retrieval assembly and pruning.
type fakeSemantic struct {
	mu      sync.Mutex
	entries []SemanticMemory
	addErr  error
}

func (s *fakeSemantic) AddMemory(_ context.Context, m SemanticMemory) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.Timestamp == 0 {
		m.Timestamp = NowUnixMilli()
	}
	s.entries = append(s.entries, m)
	return m.ID, nil
}

func (s *fakeSemantic) SearchSimilar(_ context.Context, _ []float32, k int, minScore float64) ([]ScoredMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScoredMemory
	score := 0.9
	for _, m := range s.entries {
		if len(out) >= k {
			break
		}
		if score < minScore {
			break
		}
		out = append(out, ScoredMemory{Memory: m, Similarity: score})
		score -= 0.05
	}
	return out, nil
}

func (s *fakeSemantic) DeleteMemory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.entries {
		if m.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return &NotFoundError{Kind: "memory", Name: id}
}

func (s *fakeSemantic) GetAllMemories(_ context.Context) ([]SemanticMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SemanticMemory, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *fakeSemantic) GetStats(_ context.Context) (SemanticStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SemanticStats{Count: len(s.entries)}, nil
}

// recordingAudit captures audit records for assertions.
type recordingAudit struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (a *recordingAudit) Log(_ context.Context, rec AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *recordingAudit) byType(eventType string) []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditRecord
	for _, r := range a.records {
		if r.EventType == eventType {
			out = append(out, r)
		}
	}
	return out
}
