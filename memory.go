package reploid

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// VFS persistence layout for the episodic tier.
const (
	episodicSummaryPath = "/memory/episodes/summary.md"
	episodicFullPath    = "/memory/episodes/full.jsonl"
)

// Working-memory defaults.
const (
	defaultWorkingTokenLimit = 8000
	defaultEvictionRatio     = 0.25
	// semanticIndexMinChars is the content length an evicted entry must
	// exceed to be indexed into the semantic store.
	semanticIndexMinChars = 50
)

// Adaptive-prune tuning.
const (
	pruneMaxMemories  = 5000
	pruneTriggerRatio = 0.8
	pruneTargetRatio  = 0.7
	pruneMinRetention = 0.1
	pruneBaseHalfLife = 24 * time.Hour
	pruneAccessBoost  = 1.5
)

// importanceWeights scales retention half-life by entry kind.
var importanceWeights = map[string]float64{
	"goal":        5.0,
	"decision":    3.0,
	"error":       2.5,
	"tool_result": 1.0,
	"assistant":   1.2,
	"user":        1.5,
}

// SemanticMemory is one entry in the semantic store.
type SemanticMemory struct {
	ID          string            `json:"id"`
	Content     string            `json:"content"`
	Domain      string            `json:"domain"`
	Source      string            `json:"source"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   int64             `json:"timestamp"` // Unix milliseconds
	AccessCount int               `json:"access_count"`
}

// ScoredMemory pairs a semantic memory with its similarity score in [0,1].
type ScoredMemory struct {
	Memory     SemanticMemory
	Similarity float64
}

// SemanticStats summarizes the semantic store.
type SemanticStats struct {
	Count int `json:"count"`
}

// SemanticStore is the external vector-indexed memory tier.
// semantic/chromem provides an embedded implementation.
type SemanticStore interface {
	AddMemory(ctx context.Context, m SemanticMemory) (string, error)
	SearchSimilar(ctx context.Context, embedding []float32, k int, minScore float64) ([]ScoredMemory, error)
	DeleteMemory(ctx context.Context, id string) error
	GetAllMemories(ctx context.Context) ([]SemanticMemory, error)
	GetStats(ctx context.Context) (SemanticStats, error)
}

// RetrieveOptions tunes MemoryManager.Retrieve.
type RetrieveOptions struct {
	MaxTokens       int
	IncludeSummary  bool
	IncludeEpisodic bool
	TopK            int
}

// RetrievedContext is the assembled recall for a query.
type RetrievedContext struct {
	Summary  string
	Memories []ScoredMemory
	Tokens   int
}

// PruneReport summarizes an AdaptivePrune pass.
type PruneReport struct {
	Total    int      `json:"total"`
	Removed  int      `json:"removed"`
	DryRun   bool     `json:"dry_run"`
	Skipped  bool     `json:"skipped"`
	Examples []string `json:"examples,omitempty"`
}

// MemoryOption configures a MemoryManager.
type MemoryOption func(*MemoryManager)

// WithWorkingLimit overrides the working-memory token bound.
func WithWorkingLimit(tokens int) MemoryOption {
	return func(m *MemoryManager) { m.workingLimit = tokens }
}

// WithMemoryEvents attaches an event bus.
func WithMemoryEvents(bus *EventBus) MemoryOption {
	return func(m *MemoryManager) { m.bus = bus }
}

// WithMemoryLogger sets a structured logger.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *MemoryManager) { m.logger = l }
}

// WithSessionID pins the session id stamped on every entry.
func WithSessionID(id string) MemoryOption {
	return func(m *MemoryManager) { m.sessionID = id }
}

// MemoryManager owns the three memory tiers: a token-bounded working
// sequence in RAM, episodic persistence in the VFS (rolling summary +
// append-only JSONL), and the vector-indexed semantic store.
type MemoryManager struct {
	mu           sync.Mutex
	vfs          *VFS
	provider     Provider          // for eviction summarization; may be nil
	embedder     EmbeddingProvider // may be nil; disables semantic tier
	semantic     SemanticStore     // may be nil; disables semantic tier
	bus          *EventBus
	logger       *slog.Logger
	sessionID    string
	workingLimit int

	working []MemoryEntry
}

// NewMemoryManager creates a manager persisting episodic memory to vfs.
// provider, embedder, and semantic are optional; absent collaborators
// disable the corresponding tier gracefully.
func NewMemoryManager(vfs *VFS, provider Provider, embedder EmbeddingProvider, semantic SemanticStore, opts ...MemoryOption) *MemoryManager {
	m := &MemoryManager{
		vfs:          vfs,
		provider:     provider,
		embedder:     embedder,
		semantic:     semantic,
		logger:       nopLogger,
		sessionID:    NewID(),
		workingLimit: defaultWorkingTokenLimit,
	}
	for _, o := range opts {
		o(m)
	}
	if m.bus != nil {
		m.bus.Publish(TopicMemoryInitialized, map[string]any{"session": m.sessionID})
	}
	return m
}

// Add appends a message to working memory and returns the entry id.
// When the working tier exceeds its token bound, the oldest quarter is
// evicted into the episodic and semantic tiers.
func (m *MemoryManager) Add(ctx context.Context, msg ChatMessage) (string, error) {
	if msg.Role == "" {
		return "", &ValidationError{Field: "role", Message: "message missing role"}
	}
	entry := MemoryEntry{
		ID:        NewID(),
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: NowUnixMilli(),
		SessionID: m.sessionID,
	}
	m.mu.Lock()
	m.working = append(m.working, entry)
	over := m.workingTokensLocked() > m.workingLimit
	n := int(math.Ceil(float64(len(m.working)) * defaultEvictionRatio))
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(TopicMemoryWorkingAdd, map[string]any{"id": entry.ID, "role": entry.Role})
	}
	if over {
		if err := m.EvictOldest(ctx, n); err != nil {
			return entry.ID, err
		}
	}
	return entry.ID, nil
}

// Working returns a copy of the working-memory sequence.
func (m *MemoryManager) Working() []MemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemoryEntry, len(m.working))
	copy(out, m.working)
	return out
}

func (m *MemoryManager) workingTokensLocked() int {
	tokens := 0
	for _, e := range m.working {
		tokens += messageOverheadTokens + EstimateTokens(e.Content)
	}
	return tokens
}

// EvictOldest removes the oldest n working entries and migrates them into
// the episodic and semantic tiers: the rolling summary is merged via the
// LLM, the full history JSONL is appended, and sufficiently long entries
// are vector-indexed. On any failure the evicted entries are restored to
// the front of working memory and the error surfaces.
func (m *MemoryManager) EvictOldest(ctx context.Context, n int) error {
	m.mu.Lock()
	if n <= 0 || len(m.working) == 0 {
		m.mu.Unlock()
		return nil
	}
	if n > len(m.working) {
		n = len(m.working)
	}
	evicted := make([]MemoryEntry, n)
	copy(evicted, m.working[:n])
	m.working = append([]MemoryEntry(nil), m.working[n:]...)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(TopicMemoryEvictionStart, map[string]any{"count": n})
	}

	err := m.migrate(ctx, evicted)
	if err != nil {
		// Restore: eviction must never lose memory.
		m.mu.Lock()
		m.working = append(evicted, m.working...)
		m.mu.Unlock()
		if m.bus != nil {
			m.bus.Publish(TopicMemoryEvictionError, map[string]any{"error": err.Error()})
		}
		return err
	}
	if m.bus != nil {
		m.bus.Publish(TopicMemoryEvictionDone, map[string]any{"count": n})
	}
	return nil
}

func (m *MemoryManager) migrate(ctx context.Context, evicted []MemoryEntry) error {
	if err := m.updateSummary(ctx, evicted); err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if err := m.appendFullHistory(evicted); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if m.semantic != nil {
		for _, e := range evicted {
			if len(e.Content) <= semanticIndexMinChars {
				continue
			}
			for _, chunk := range ChunkMarkdown(e.Content, defaultChunkChars) {
				_, err := m.semantic.AddMemory(ctx, SemanticMemory{
					Content:   chunk,
					Domain:    "episodic",
					Source:    e.Role,
					Metadata:  map[string]string{"entry_id": e.ID, "session_id": e.SessionID, "type": e.Role},
					Timestamp: e.Timestamp,
				})
				if err != nil {
					return fmt.Errorf("semantic index: %w", err)
				}
			}
		}
	}
	return nil
}

// updateSummary asks the LLM to merge the previous rolling summary with
// the newly evicted messages. Temperature 0 for determinism; a transient
// provider failure keeps the previous summary rather than losing it.
func (m *MemoryManager) updateSummary(ctx context.Context, evicted []MemoryEntry) error {
	prev := ""
	if data, err := m.vfs.Read(episodicSummaryPath); err == nil {
		prev = string(data)
	}
	if m.provider == nil {
		// No summarizer available: keep the previous summary untouched.
		return nil
	}

	var lines strings.Builder
	for _, e := range evicted {
		fmt.Fprintf(&lines, "[%s] %s\n", e.Role, e.Content)
	}
	temp := 0.0
	resp, err := m.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage("You maintain a rolling summary of an agent session. Merge the previous summary with the new messages into a single concise summary. Preserve goals, decisions, errors, and tool outcomes. Respond with the summary only."),
			UserMessage("Previous summary:\n" + prev + "\n\nNew messages:\n" + lines.String()),
		},
		Temperature: &temp,
		MaxTokens:   1000,
	})
	if err != nil {
		m.logger.Warn("memory: summary merge failed, keeping previous summary", "error", err)
		return nil
	}
	return m.vfs.Write(episodicSummaryPath, []byte(resp.Content))
}

// appendFullHistory appends evicted entries to the append-only JSONL log.
func (m *MemoryManager) appendFullHistory(evicted []MemoryEntry) error {
	var existing []byte
	if data, err := m.vfs.Read(episodicFullPath); err == nil {
		existing = data
	}
	var b strings.Builder
	b.Write(existing)
	for _, e := range evicted {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		b.Write(line)
		b.WriteString("\n")
	}
	return m.vfs.Write(episodicFullPath, []byte(b.String()))
}

// temporalContiguityWindow and boost: results whose timestamps cluster
// within the window reinforce each other, mirroring how episodic recall
// surfaces neighboring moments together.
const (
	temporalContiguityWindowMs = 60_000
	temporalContiguityBoost    = 0.15
)

// Retrieve assembles recall for a query: the rolling summary first (when
// requested and it fits), then semantically similar memories with a
// temporal contiguity boost, greedily filled until the token budget is
// exhausted.
func (m *MemoryManager) Retrieve(ctx context.Context, query string, opts RetrieveOptions) (RetrievedContext, error) {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2000
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	var out RetrievedContext

	if opts.IncludeSummary {
		if data, err := m.vfs.Read(episodicSummaryPath); err == nil {
			t := EstimateTokens(string(data))
			if t <= opts.MaxTokens {
				out.Summary = string(data)
				out.Tokens += t
			}
		}
	}

	if m.semantic == nil || m.embedder == nil {
		return out, nil
	}
	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		return out, err
	}
	// Over-fetch 2k candidates so the boost can reorder before the cut.
	results, err := m.semantic.SearchSimilar(ctx, vecs[0], opts.TopK*2, 0)
	if err != nil {
		return out, err
	}

	boosted := applyTemporalContiguity(results)
	sort.SliceStable(boosted, func(i, j int) bool { return boosted[i].Similarity > boosted[j].Similarity })

	for _, r := range boosted {
		if len(out.Memories) >= opts.TopK {
			break
		}
		t := EstimateTokens(r.Memory.Content)
		if out.Tokens+t > opts.MaxTokens {
			break
		}
		out.Memories = append(out.Memories, r)
		out.Tokens += t
	}
	if m.bus != nil {
		m.bus.Publish(TopicMemoryRetrieve, map[string]any{"query_len": len(query), "results": len(out.Memories), "tokens": out.Tokens})
	}
	return out, nil
}

// applyTemporalContiguity boosts results whose timestamp falls within the
// contiguity window of another result.
func applyTemporalContiguity(results []ScoredMemory) []ScoredMemory {
	out := make([]ScoredMemory, len(results))
	copy(out, results)
	for i := range out {
		for j := range results {
			if i == j {
				continue
			}
			dt := out[i].Memory.Timestamp - results[j].Memory.Timestamp
			if dt < 0 {
				dt = -dt
			}
			if dt <= temporalContiguityWindowMs {
				out[i].Similarity += temporalContiguityBoost
				break
			}
		}
	}
	return out
}

// taskPatterns drive anticipatory retrieval: a detected task kind implies
// information needs worth prefetching alongside the literal query.
var taskPatterns = []struct {
	name     string
	keywords []string
	needs    []string
}{
	{"coding", []string{"implement", "write", "create", "build", "function", "code"},
		[]string{"project conventions", "related code", "api contracts"}},
	{"debugging", []string{"debug", "fix", "error", "broken", "crash", "fails"},
		[]string{"recent errors", "recent changes", "prior fixes"}},
	{"planning", []string{"plan", "design", "architect", "organize", "strategy"},
		[]string{"goals", "constraints", "prior decisions"}},
	{"research", []string{"research", "find", "search", "investigate", "learn"},
		[]string{"prior findings", "known sources"}},
}

// AnticipatoryRetrieve performs a standard retrieve and, when the query
// matches a known task pattern, prefetches a small result set for each
// anticipated information need, merged by content dedup.
func (m *MemoryManager) AnticipatoryRetrieve(ctx context.Context, query string) (RetrievedContext, error) {
	base, err := m.Retrieve(ctx, query, RetrieveOptions{MaxTokens: 2000, IncludeSummary: true, TopK: 5})
	if err != nil {
		return base, err
	}
	lower := strings.ToLower(query)
	var needs []string
	for _, p := range taskPatterns {
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				needs = p.needs
				break
			}
		}
		if needs != nil {
			break
		}
	}
	if needs == nil {
		return base, nil
	}

	seen := make(map[string]bool, len(base.Memories))
	for _, r := range base.Memories {
		seen[r.Memory.Content] = true
	}
	for _, need := range needs {
		extra, err := m.Retrieve(ctx, need, RetrieveOptions{MaxTokens: 500, TopK: 2})
		if err != nil {
			continue
		}
		for _, r := range extra.Memories {
			if seen[r.Memory.Content] {
				continue
			}
			seen[r.Memory.Content] = true
			base.Memories = append(base.Memories, r)
			base.Tokens += EstimateTokens(r.Memory.Content)
		}
	}
	return base, nil
}

// AdaptivePrune removes low-retention semantic memories once the store
// approaches capacity. Retention decays exponentially with age, slowed by
// access frequency and entry importance. With dryRun, the report lists
// what would be removed without deleting anything.
func (m *MemoryManager) AdaptivePrune(ctx context.Context, dryRun bool) (PruneReport, error) {
	if m.semantic == nil {
		return PruneReport{Skipped: true, DryRun: dryRun}, nil
	}
	all, err := m.semantic.GetAllMemories(ctx)
	if err != nil {
		return PruneReport{}, err
	}
	report := PruneReport{Total: len(all), DryRun: dryRun}
	if float64(len(all)) < pruneTriggerRatio*pruneMaxMemories {
		report.Skipped = true
		return report, nil
	}

	now := NowUnixMilli()
	type scored struct {
		id        string
		retention float64
	}
	scoredAll := make([]scored, 0, len(all))
	for _, mem := range all {
		scoredAll = append(scoredAll, scored{id: mem.ID, retention: retentionScore(mem, now)})
	}
	sort.Slice(scoredAll, func(i, j int) bool { return scoredAll[i].retention < scoredAll[j].retention })

	target := int(pruneTargetRatio * pruneMaxMemories)
	var toRemove []string
	for _, s := range scoredAll {
		if s.retention < pruneMinRetention {
			toRemove = append(toRemove, s.id)
		}
	}
	// Keep removing lowest-retention entries until under the target.
	for _, s := range scoredAll {
		if len(all)-len(toRemove) <= target {
			break
		}
		if !slices.Contains(toRemove, s.id) {
			toRemove = append(toRemove, s.id)
		}
	}

	report.Removed = len(toRemove)
	if n := len(toRemove); n > 0 {
		if n > 5 {
			report.Examples = toRemove[:5]
		} else {
			report.Examples = toRemove
		}
	}
	if !dryRun {
		for _, id := range toRemove {
			if err := m.semantic.DeleteMemory(ctx, id); err != nil {
				return report, err
			}
		}
	}
	if m.bus != nil {
		m.bus.Publish(TopicMemoryPruneAdaptive, map[string]any{"total": report.Total, "removed": report.Removed, "dry_run": dryRun})
	}
	return report, nil
}

// retentionScore computes exp(-age / (baseHalfLife × accessBoost^accessCount × importance)).
func retentionScore(mem SemanticMemory, nowMs int64) float64 {
	age := float64(nowMs-mem.Timestamp) / 1000 // seconds
	if age < 0 {
		age = 0
	}
	importance := 1.0
	if w, ok := importanceWeights[mem.Metadata["type"]]; ok {
		importance = w
	}
	halfLife := pruneBaseHalfLife.Seconds() * math.Pow(pruneAccessBoost, float64(mem.AccessCount)) * importance
	return math.Exp(-age / halfLife)
}

// BuildContextMessages prepends recalled memory to a cycle's prompt:
// the rolling summary and top semantic matches, rendered as one system
// message. Returns nil when nothing relevant is recalled.
func (m *MemoryManager) BuildContextMessages(ctx context.Context, query string) []ChatMessage {
	rc, err := m.AnticipatoryRetrieve(ctx, query)
	if err != nil {
		m.logger.Warn("memory: retrieve failed, continuing without recall", "error", err)
		return nil
	}
	if rc.Summary == "" && len(rc.Memories) == 0 {
		return nil
	}
	var b strings.Builder
	if rc.Summary != "" {
		b.WriteString("Session summary:\n")
		b.WriteString(rc.Summary)
		b.WriteString("\n")
	}
	if len(rc.Memories) > 0 {
		b.WriteString("Relevant memories:\n")
		for _, r := range rc.Memories {
			fmt.Fprintf(&b, "- [%s] %s\n", r.Memory.Source, r.Memory.Content)
		}
	}
	return []ChatMessage{SystemMessage(b.String())}
}
