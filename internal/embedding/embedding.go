package embedding

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"documind/internal/config"
)

// Gateway turns batches of text into fixed-dimension vectors.
type Gateway interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// LangchainGateway wraps a langchaingo embedder. A gpu-device backend is a
// single-concurrency resource; calls are serialized behind a one-slot gate.
type LangchainGateway struct {
	embedder *embeddings.EmbedderImpl
	dim      int
	timeout  time.Duration
	gate     chan struct{}
	name     string
}

// NewGateway builds the embedder for the configured backend type.
func NewGateway(cfg *config.LLMConfig, dim int, timeout time.Duration) (*LangchainGateway, error) {
	var embedder *embeddings.EmbedderImpl
	var err error
	switch cfg.Type {
	case "ollama":
		embedder, err = newOllamaEmbedder(cfg)
	case "openai":
		embedder, err = newOpenAIEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unknown embedder type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	g := &LangchainGateway{embedder: embedder, dim: dim, timeout: timeout, name: cfg.Name}
	if cfg.Device == "gpu" {
		g.gate = make(chan struct{}, 1)
	}
	return g, nil
}

// new ollama embedder
func newOllamaEmbedder(cfg *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama embedder: %v", err)
	}
	return embeddings.NewEmbedder(llm)
}

// new openai-compatible embedder (OpenAI, OpenRouter, any compatible base URL)
func newOpenAIEmbedder(cfg *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(os.Getenv(cfg.KeyEnv), "Bearer ")),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize openai embedder: %v", err)
	}
	return embeddings.NewEmbedder(llm)
}

// EmbedBatch embeds texts in one backend call under a deadline. Vectors that
// come back with the wrong dimensionality are rejected, not truncated.
func (g *LangchainGateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if g.gate != nil {
		select {
		case g.gate <- struct{}{}:
			defer func() { <-g.gate }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	vectors, err := g.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i, v := range vectors {
		if len(v) != g.dim {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), g.dim)
		}
	}
	log.Debug().Str("backend", g.name).Int("texts", len(texts)).Dur("took", time.Since(start)).Msg("embedded batch")
	return vectors, nil
}

func (g *LangchainGateway) Dimension() int { return g.dim }
