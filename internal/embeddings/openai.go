package embeddings

import (
	"context"
	"fmt"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint, such as
// OpenAI itself or a local TEI server exposing /v1/embeddings.
type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	// Dimension is the model's output size; the API does not report it.
	Dimension int
}

// OpenAIProvider embeds through langchaingo's OpenAI client.
type OpenAIProvider struct {
	embedder  *lcembeddings.EmbedderImpl
	dimension int
}

// NewOpenAIProvider creates the provider. No request is made until the
// first embedding call.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}
	token := cfg.APIKey
	if token == "" {
		// langchaingo refuses an empty token; local servers ignore it
		token = "placeholder"
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	embedder, err := lcembeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &OpenAIProvider{embedder: embedder, dimension: cfg.Dimension}, nil
}

// EmbedDocuments embeds texts in batches.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return out, nil
}

// EmbedQuery embeds a single query.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	out, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return out, nil
}

// Dimension returns the configured output size.
func (p *OpenAIProvider) Dimension() int { return p.dimension }

// Close is a no-op; the client is plain HTTP.
func (p *OpenAIProvider) Close() error { return nil }
