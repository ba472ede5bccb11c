package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-sonnet-4-5"
	defaultOpenAIBaseURL    = "https://api.openai.com"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultMaxTokens        = 4096
	defaultMaxRetries       = 3
	defaultBaseBackoff      = time.Second
)

// HTTPConfig configures the hosted API providers.
type HTTPConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	// Limiter throttles requests; nil means unlimited.
	Limiter    *rate.Limiter
	MaxRetries int
	// BaseBackoff doubles after each retryable failure.
	BaseBackoff time.Duration
	HTTPClient  *http.Client
}

func (c *HTTPConfig) applyDefaults(baseURL, model string) {
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = model
	}
	if c.Limiter == nil {
		c.Limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.HTTPClient == nil {
		// deadlines come from the request context
		c.HTTPClient = &http.Client{}
	}
}

// httpProvider holds the request loop shared by the hosted providers; the
// wire format lives in build and parse.
type httpProvider struct {
	name   string
	cfg    HTTPConfig
	logger *zap.Logger

	path    string
	headers func(h http.Header)
	build   func(req Request, model string) any
	parse   func(body []byte) (*Response, error)
}

func (p *httpProvider) Name() string { return p.name }

// Complete waits for the rate limiter, then sends the request, retrying
// transient failures with exponential backoff.
func (p *httpProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &Error{Kind: KindInvalid, Provider: p.name, Err: errors.New("prompt is empty")}
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	start := time.Now()

	if err := p.cfg.Limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, p.name)
		}
		return nil, &Error{Kind: KindRateLimited, Provider: p.name, Err: err}
	}

	body, err := json.Marshal(p.build(req, p.cfg.Model))
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Provider: p.name, Err: fmt.Errorf("marshal request: %w", err)}
	}

	var lastErr *Error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.cfg.BaseBackoff * time.Duration(1<<(attempt-1))
			p.logger.Debug("retrying completion",
				zap.String("provider", p.name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, contextError(ctx, p.name)
			}
		}

		resp, err := p.do(ctx, body)
		if err == nil {
			resp.Duration = time.Since(start)
			return resp, nil
		}
		lastErr = err
		if !err.Retryable() || err.Kind == KindTimeout {
			return nil, err
		}
	}
	return nil, lastErr
}

func (p *httpProvider) do(ctx context.Context, body []byte) (*Response, *Error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+p.path, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindInvalid, Provider: p.name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.headers(httpReq.Header)

	resp, err := p.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, p.name)
		}
		return nil, &Error{Kind: KindUnavailable, Provider: p.name, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Provider: p.name, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindRateLimited, Provider: p.name, Err: errors.New("rate limited (429)")}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindUnavailable, Provider: p.name, Err: fmt.Errorf("server error (%d): %s", resp.StatusCode, apiMessage(data))}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Kind: KindInvalid, Provider: p.name, Err: fmt.Errorf("API error (%d): %s", resp.StatusCode, apiMessage(data))}
	}

	out, err := p.parse(data)
	if err != nil {
		return nil, &Error{Kind: KindFailed, Provider: p.name, Err: err}
	}
	return out, nil
}

// apiMessage extracts error.message from either API's error envelope.
func apiMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(body))
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []chatMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	Temperature float64       `json:"temperature"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewAnthropicProvider creates a provider for the Anthropic Messages API.
func NewAnthropicProvider(cfg HTTPConfig, logger *zap.Logger) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic API key required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults(defaultAnthropicBaseURL, defaultAnthropicModel)
	return &httpProvider{
		name:   "anthropic",
		cfg:    cfg,
		logger: logger,
		path:   "/v1/messages",
		headers: func(h http.Header) {
			h.Set("X-API-Key", cfg.APIKey)
			h.Set("Anthropic-Version", "2023-06-01")
		},
		build: func(req Request, model string) any {
			return anthropicRequest{
				Model:       model,
				MaxTokens:   req.MaxTokens,
				System:      req.System,
				Temperature: req.Temperature,
				Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
			}
		},
		parse: func(body []byte) (*Response, error) {
			var r anthropicResponse
			if err := json.Unmarshal(body, &r); err != nil {
				return nil, fmt.Errorf("parse response: %w", err)
			}
			var b strings.Builder
			for _, c := range r.Content {
				if c.Type == "text" || c.Type == "" {
					b.WriteString(c.Text)
				}
			}
			if b.Len() == 0 {
				return nil, ErrEmpty
			}
			return &Response{Text: b.String(), Model: r.Model, InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens}, nil
		},
	}, nil
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewOpenAIProvider creates a provider for OpenAI-compatible chat
// completion endpoints. A key is optional for self-hosted servers.
func NewOpenAIProvider(cfg HTTPConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai API key required for the hosted endpoint")
	}
	cfg.applyDefaults(defaultOpenAIBaseURL, defaultOpenAIModel)
	return &httpProvider{
		name:   "openai",
		cfg:    cfg,
		logger: logger,
		path:   "/v1/chat/completions",
		headers: func(h http.Header) {
			if cfg.APIKey != "" {
				h.Set("Authorization", "Bearer "+cfg.APIKey)
			}
		},
		build: func(req Request, model string) any {
			msgs := make([]chatMessage, 0, 2)
			if req.System != "" {
				msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
			}
			msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
			return openAIRequest{Model: model, Messages: msgs, MaxTokens: req.MaxTokens, Temperature: req.Temperature}
		},
		parse: func(body []byte) (*Response, error) {
			var r openAIResponse
			if err := json.Unmarshal(body, &r); err != nil {
				return nil, fmt.Errorf("parse response: %w", err)
			}
			if len(r.Choices) == 0 || r.Choices[0].Message.Content == "" {
				return nil, ErrEmpty
			}
			return &Response{
				Text:         r.Choices[0].Message.Content,
				Model:        r.Model,
				InputTokens:  r.Usage.PromptTokens,
				OutputTokens: r.Usage.CompletionTokens,
			}, nil
		},
	}, nil
}
