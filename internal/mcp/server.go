package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/memory"
	"github.com/fyrsmithlabs/phased/internal/orchestrator"
	"github.com/fyrsmithlabs/phased/internal/queue"
	"github.com/fyrsmithlabs/phased/internal/secrets"
)

// TaskQueue is the part of the queue the task and artifact tools use.
type TaskQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	ClaimNext(ctx context.Context, namespace, agent string) (*queue.Task, error)
	Complete(ctx context.Context, id string, result any) error
	Fail(ctx context.Context, id string, cause error) error
	Get(ctx context.Context, id string) (*queue.Task, error)
}

// Memory is the part of the memory service the memory tools use.
type Memory interface {
	Search(ctx context.Context, req memory.SearchRequest) ([]memory.Hit, error)
	Store(ctx context.Context, req memory.StoreRequest) (string, error)
}

// StatusSource reports phase state for a namespace.
type StatusSource interface {
	Status(ctx context.Context, namespace string) (*orchestrator.StatusReport, error)
}

// Server exposes the queue, memory and scribe to out-of-process agents.
type Server struct {
	mcp      *mcp.Server
	queue    TaskQueue
	memory   Memory
	status   StatusSource
	scrubber secrets.Scrubber
	tools    *ToolRegistry
	metrics  *Metrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the implementation name reported to clients (default: "phased").
	Name string

	// Version is the implementation version (default: "1.0.0").
	Version string

	Logger *zap.Logger
}

// DefaultConfig returns defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "phased",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a server and registers its tools.
func NewServer(cfg *Config, q TaskQueue, mem Memory, status StatusSource, scrubber secrets.Scrubber) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if q == nil {
		return nil, errors.New("task queue is required")
	}
	if mem == nil {
		return nil, errors.New("memory service is required")
	}
	if status == nil {
		return nil, errors.New("status source is required")
	}
	if scrubber == nil {
		return nil, errors.New("scrubber is required")
	}

	s := &Server{
		mcp:      mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		queue:    q,
		memory:   mem,
		status:   status,
		scrubber: scrubber,
		tools:    NewToolRegistry(),
		metrics:  NewMetrics(cfg.Logger),
		logger:   cfg.Logger,
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Tools returns the registry describing the exposed tools.
func (s *Server) Tools() *ToolRegistry {
	return s.tools
}

// Run serves on stdio until ctx is canceled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.RunTransport(ctx, &mcp.StdioTransport{})
}

// RunTransport serves on t.
func (s *Server) RunTransport(ctx context.Context, t mcp.Transport) error {
	s.logger.Info("starting MCP server", zap.Int("tools", s.tools.Count()))
	if err := s.mcp.Run(ctx, t); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
