// Package chromem implements the substrate's SemanticStore contract on
// chromem-go, an embedded pure-Go vector database. Vectors live in
// chromem; a small side index keeps full entry metadata so enumeration
// and adaptive pruning stay cheap.
package chromem

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"

	reploid "github.com/clocksmith/reploid"
)

const collectionName = "memories"

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store is an embedded SemanticStore.
type Store struct {
	mu         sync.RWMutex
	db         *chromemgo.DB
	collection *chromemgo.Collection
	embedder   reploid.EmbeddingProvider
	entries    map[string]reploid.SemanticMemory
	logger     *slog.Logger
}

var _ reploid.SemanticStore = (*Store)(nil)

// New creates an in-memory store. The embedder backs chromem's
// embedding function for content added without a precomputed vector.
func New(embedder reploid.EmbeddingProvider, opts ...StoreOption) (*Store, error) {
	db := chromemgo.NewDB()
	s := &Store{
		db:       db,
		embedder: embedder,
		entries:  make(map[string]reploid.SemanticMemory),
		logger:   slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(s)
	}
	collection, err := db.GetOrCreateCollection(collectionName, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("chromem: create collection: %w", err)
	}
	s.collection = collection
	return s, nil
}

// NewPersistent creates a store persisting to dir.
func NewPersistent(dir string, embedder reploid.EmbeddingProvider, opts ...StoreOption) (*Store, error) {
	db, err := chromemgo.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("chromem: open %s: %w", dir, err)
	}
	s := &Store{
		db:       db,
		embedder: embedder,
		entries:  make(map[string]reploid.SemanticMemory),
		logger:   slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(s)
	}
	collection, err := db.GetOrCreateCollection(collectionName, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("chromem: create collection: %w", err)
	}
	s.collection = collection
	return s, nil
}

func (s *Store) embeddingFunc() chromemgo.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vecs, err := s.embedder.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) == 0 {
			return nil, fmt.Errorf("chromem: embedder returned no vectors")
		}
		return vecs[0], nil
	}
}

// AddMemory indexes one entry and returns its id (minted when absent).
func (s *Store) AddMemory(ctx context.Context, m reploid.SemanticMemory) (string, error) {
	if m.Content == "" {
		return "", fmt.Errorf("chromem: empty content")
	}
	if m.ID == "" {
		m.ID = reploid.NewID()
	}
	if m.Timestamp == 0 {
		m.Timestamp = reploid.NowUnixMilli()
	}
	doc := chromemgo.Document{
		ID:       m.ID,
		Content:  m.Content,
		Metadata: map[string]string{"domain": m.Domain, "source": m.Source},
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("chromem: add document: %w", err)
	}
	s.mu.Lock()
	s.entries[m.ID] = m
	s.mu.Unlock()
	s.logger.Debug("chromem: memory added", "id", m.ID, "domain", m.Domain)
	return m.ID, nil
}

// SearchSimilar returns up to k entries by cosine similarity, filtered
// by minScore. Each hit's access count is bumped, feeding the adaptive
// pruner's retention model.
func (s *Store) SearchSimilar(ctx context.Context, embedding []float32, k int, minScore float64) ([]reploid.ScoredMemory, error) {
	count := s.collection.Count()
	if count == 0 || k <= 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	results, err := s.collection.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reploid.ScoredMemory
	for _, r := range results {
		if float64(r.Similarity) < minScore {
			continue
		}
		entry, ok := s.entries[r.ID]
		if !ok {
			continue
		}
		entry.AccessCount++
		s.entries[r.ID] = entry
		out = append(out, reploid.ScoredMemory{Memory: entry, Similarity: float64(r.Similarity)})
	}
	return out, nil
}

// DeleteMemory removes one entry by id.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("chromem: delete %s: %w", id, err)
	}
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// GetAllMemories returns every stored entry.
func (s *Store) GetAllMemories(_ context.Context) ([]reploid.SemanticMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]reploid.SemanticMemory, 0, len(s.entries))
	for _, m := range s.entries {
		out = append(out, m)
	}
	return out, nil
}

// GetStats summarizes the store.
func (s *Store) GetStats(_ context.Context) (reploid.SemanticStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reploid.SemanticStats{Count: len(s.entries)}, nil
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
