package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	reploid "github.com/clocksmith/reploid"
)

// EmbeddingProvider implements reploid.EmbeddingProvider over the
// OpenAI embeddings wire format.
type EmbeddingProvider struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	client     *http.Client
	name       string
}

var _ reploid.EmbeddingProvider = (*EmbeddingProvider)(nil)

// NewEmbedding creates an OpenAI-compatible embedding provider. The
// /embeddings path is appended to baseURL automatically.
func NewEmbedding(apiKey, model, baseURL string, dimensions int) *EmbeddingProvider {
	return &EmbeddingProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		dimensions: dimensions,
		client:     &http.Client{},
		name:       "openai",
	}
}

// Name returns the provider name.
func (p *EmbeddingProvider) Name() string { return p.name }

// Dimensions returns the embedding vector size.
func (p *EmbeddingProvider) Dimensions() int { return p.dimensions }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (p *EmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, &reploid.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, &reploid.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &reploid.ErrLLM{Provider: p.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &reploid.ErrLLM{Provider: p.name, Status: resp.StatusCode, Message: string(body)}
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &reploid.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	out := make([][]float32, len(texts))
	for _, d := range decoded.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}
