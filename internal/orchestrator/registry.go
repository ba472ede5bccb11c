package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/fyrsmithlabs/phased/internal/queue"
	"github.com/fyrsmithlabs/phased/internal/scribe"
)

// Request is what a handler receives for one claimed task.
type Request struct {
	Task          *queue.Task
	Message       *queue.DelegationMessage
	Phase         Phase
	Role          Role
	MemoryContext string
	Boost         float64
}

// SubTask is work a handler hands to another role in the same phase.
type SubTask struct {
	Role    Role                    `json:"role"`
	Message queue.DelegationMessage `json:"message"`
}

// Result is a handler's structured output.
type Result struct {
	Summary     string            `json:"summary"`
	Proposals   []scribe.Proposal `json:"proposals,omitempty"`
	Delegations []SubTask         `json:"delegations,omitempty"`
	Quality     float64           `json:"quality,omitempty"`
}

// Handler performs the work for one (phase, role).
type Handler interface {
	Handle(ctx context.Context, req Request) (*Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (*Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

type registryKey struct {
	phase Phase
	role  Role
}

// Registry is the static (phase, role) -> Handler table. It is populated
// at startup and read-only afterwards.
type Registry struct {
	handlers map[registryKey]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[registryKey]Handler)}
}

// Register binds h to (p, r).
func (r *Registry) Register(p Phase, role Role, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for %s", AgentName(p, role))
	}
	k := registryKey{p, role}
	if _, ok := r.handlers[k]; ok {
		return fmt.Errorf("handler already registered for %s", AgentName(p, role))
	}
	r.handlers[k] = h
	return nil
}

// RegisterAll binds h to every role of every phase in def.
func (r *Registry) RegisterAll(def Definition, h Handler) error {
	for _, p := range def.Order {
		for _, role := range def.Roles[p] {
			if err := r.Register(p, role, h); err != nil {
				return err
			}
		}
	}
	return nil
}

// Lookup returns the handler for (p, role).
func (r *Registry) Lookup(p Phase, role Role) (Handler, bool) {
	h, ok := r.handlers[registryKey{p, role}]
	return h, ok
}

// Resolve maps an agent name to its handler.
func (r *Registry) Resolve(agent string) (Handler, Phase, Role, error) {
	p, role, ok := ParseAgent(agent)
	if !ok {
		return nil, "", "", fmt.Errorf("malformed agent name %q", agent)
	}
	h, ok := r.Lookup(p, role)
	if !ok {
		return nil, "", "", fmt.Errorf("no handler for agent %q", agent)
	}
	return h, p, role, nil
}

// Agents lists registered agent names in sorted order.
func (r *Registry) Agents() []string {
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, AgentName(k.phase, k.role))
	}
	sort.Strings(out)
	return out
}

// Validate checks that every phase has an orchestrator handler and that no
// handler is registered for a phase or role the definition lacks.
func (r *Registry) Validate(def Definition) error {
	var errs []error
	for _, p := range def.Order {
		if _, ok := r.Lookup(p, RoleOrchestrator); !ok {
			errs = append(errs, fmt.Errorf("phase %q has no orchestrator", p))
		}
	}
	for k := range r.handlers {
		if !def.Has(k.phase) {
			errs = append(errs, fmt.Errorf("handler for unknown phase %q", k.phase))
			continue
		}
		if !slices.Contains(def.Roles[k.phase], k.role) {
			errs = append(errs, fmt.Errorf("handler for undeclared role %s", AgentName(k.phase, k.role)))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrRegistryIncomplete, errors.Join(errs...))
	}
	return nil
}
