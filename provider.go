package reploid

import "context"

// Provider abstracts the LLM backend. The substrate is provider-agnostic;
// hosts plug in HTTP or in-process implementations.
type Provider interface {
	// Chat sends a request and returns a complete response. When the
	// request carries tool definitions, the response may contain tool
	// calls instead of (or alongside) content.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "anthropic", "openai").
	Name() string
}

// EmbeddingProvider abstracts text embedding for the semantic memory tier.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
