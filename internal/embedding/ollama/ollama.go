package ollama

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	lcollama "github.com/tmc/langchaingo/llms/ollama"

	"hybridrag/internal/domain"
	"hybridrag/internal/embedding"
)

// Config configures the Ollama embeddings client.
type Config struct {
	ServerURL string
	Model     string
}

// Client embeds text through a local Ollama server.
type Client struct {
	model    string
	embedder embeddings.Embedder
}

// NewClient creates an Ollama-backed embedder.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	llm, err := lcollama.New(
		lcollama.WithServerURL(cfg.ServerURL),
		lcollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("ollama client: %w", err)
	}
	e, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: %w", err)
	}
	return &Client{model: cfg.Model, embedder: e}, nil
}

// Name returns the identifier of this embedder implementation.
func (c *Client) Name() string { return "ollama" }

// Embed returns an embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.ErrEmptyInput
	}
	v, err := c.embedder.EmbedQuery(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.ProviderError{Provider: "ollama", Retryable: true, Err: err}
	}
	if len(v) == 0 {
		return nil, &domain.ProviderError{Provider: "ollama", Retryable: true, Err: errors.New("empty embedding")}
	}
	return embedding.Float32To64(v), nil
}
