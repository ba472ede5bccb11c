// Package completion abstracts the long-running "do the work" call made
// for each delegated task.
//
// A Provider takes a prompt and returns generated text. Every call honours
// the context deadline and cancellation; failures are reported as *Error
// with a Kind so callers can tell timeouts and transient faults from bad
// requests.
package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/phased/internal/config"
)

// Provider generates completions.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request is a single completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response is a completion result.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Kind classifies completion failures.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindCanceled    Kind = "canceled"
	KindRateLimited Kind = "rate_limited"
	KindUnavailable Kind = "unavailable"
	KindInvalid     Kind = "invalid"
	KindFailed      Kind = "failed"
)

var (
	ErrTimeout  = errors.New("completion timed out")
	ErrCanceled = errors.New("completion canceled")
	ErrEmpty    = errors.New("empty completion")
)

// Error is the structured error returned by providers.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s completion %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Retryable()
}

// KindOf returns the Kind of err, or KindFailed for foreign errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindFailed
}

// contextError converts a finished context into an *Error.
func contextError(ctx context.Context, provider string) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Provider: provider, Err: ErrTimeout}
	}
	return &Error{Kind: KindCanceled, Provider: provider, Err: ErrCanceled}
}

// New creates the provider selected by cfg.
func New(cfg config.CompletionConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := newLimiter(cfg.RequestsPerSecond, cfg.Burst)

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "exec", "":
		p, err = NewExecProvider(ExecConfig{Command: cfg.Command, Args: cfg.Args}, logger)
	case "anthropic":
		p, err = NewAnthropicProvider(HTTPConfig{
			BaseURL: cfg.BaseURL, Model: cfg.Model, APIKey: cfg.APIKey.Value(), Limiter: limiter,
		}, logger)
	case "openai":
		p, err = NewOpenAIProvider(HTTPConfig{
			BaseURL: cfg.BaseURL, Model: cfg.Model, APIKey: cfg.APIKey.Value(), Limiter: limiter,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("completion provider ready", zap.String("provider", p.Name()), zap.String("model", cfg.Model))
	return p, nil
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(rps), max(burst, 1))
}
