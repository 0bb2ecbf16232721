package generate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"documind/internal/config"
)

// Options are the per-call generation settings.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Generator is one answer backend. GenerateStream calls emit once per delta
// in generation order and returns the full text.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
	GenerateStream(ctx context.Context, prompt string, opts Options, emit func(delta string) error) (string, error)
}

// langchainProvider backs a Generator with a langchaingo model. The fixed
// variant set {local ollama, openai, groq, openrouter} all reduce to the two
// client types; groq and openrouter are openai-compatible base URLs.
type langchainProvider struct {
	name string
	llm  llms.Model
}

// NewProvider builds a generator from one provider config entry.
func NewProvider(cfg *config.LLMConfig) (Generator, error) {
	switch cfg.Type {
	case "ollama":
		llm, err := ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama provider %s: %v", cfg.Name, err)
		}
		return &langchainProvider{name: cfg.Name, llm: llm}, nil
	case "openai":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(os.Getenv(cfg.KeyEnv), "Bearer ")),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai provider %s: %v", cfg.Name, err)
		}
		return &langchainProvider{name: cfg.Name, llm: llm}, nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// NewProviders builds the priority-ordered generator list.
func NewProviders(cfgs []config.LLMConfig) ([]Generator, error) {
	providers := make([]Generator, 0, len(cfgs))
	for i := range cfgs {
		p, err := NewProvider(&cfgs[i])
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}

func (p *langchainProvider) Name() string { return p.name }

func (p *langchainProvider) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	resp, err := p.llm.GenerateContent(ctx, promptMessages(prompt), callOptions(opts)...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", fmt.Errorf("empty response from %s", p.name)
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

func (p *langchainProvider) GenerateStream(ctx context.Context, prompt string, opts Options, emit func(delta string) error) (string, error) {
	callOpts := append(callOptions(opts), llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		return emit(string(chunk))
	}))
	resp, err := p.llm.GenerateContent(ctx, promptMessages(prompt), callOpts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from %s", p.name)
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

func promptMessages(prompt string) []llms.MessageContent {
	return []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextContent{Text: prompt}},
		},
	}
}

func callOptions(opts Options) []llms.CallOption {
	return []llms.CallOption{
		llms.WithMaxTokens(opts.MaxTokens),
		llms.WithTemperature(opts.Temperature),
	}
}
