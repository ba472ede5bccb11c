package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fyrsmithlabs/phased/internal/config"
)

// Phase names a stage in the development sequence.
type Phase string

const (
	// PhaseInitialization is the implicit state before the first phase.
	PhaseInitialization Phase = "initialization"

	// PhaseComplete is the terminal state after the last phase.
	PhaseComplete Phase = "complete"
)

// Built-in phases.
const (
	PhaseGoalClarification Phase = "goal-clarification"
	PhaseSpecification     Phase = "specification"
	PhaseArchitecture      Phase = "architecture"
	PhaseImplementation    Phase = "implementation"
	PhaseRefinement        Phase = "refinement"
	PhaseCompletion        Phase = "completion"
)

// Role is an agent's function within a phase.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleSpecialist   Role = "specialist"
)

var (
	ErrUnknownPhase       = errors.New("unknown phase")
	ErrRegistryIncomplete = errors.New("registry incomplete")
	ErrAlreadyStarted     = errors.New("namespace already started")
	ErrInvalidDefinition  = errors.New("invalid phase definition")
)

// Definition is the static phase configuration.
type Definition struct {
	Order             []Phase
	RequiredArtifacts map[Phase][]string
	ApprovalRequired  map[Phase]bool
	Roles             map[Phase][]Role
}

// DefaultDefinition returns the built-in six phase sequence.
func DefaultDefinition() Definition {
	order := []Phase{
		PhaseGoalClarification,
		PhaseSpecification,
		PhaseArchitecture,
		PhaseImplementation,
		PhaseRefinement,
		PhaseCompletion,
	}
	roles := make(map[Phase][]Role, len(order))
	for _, p := range order {
		roles[p] = []Role{RoleOrchestrator, RoleSpecialist}
	}
	return Definition{
		Order: order,
		RequiredArtifacts: map[Phase][]string{
			PhaseGoalClarification: {"docs/mutual_understanding", "docs/primary_project_planning"},
			PhaseSpecification:     {"docs/specifications/"},
			PhaseArchitecture:      {"docs/architecture/"},
			PhaseImplementation:    {"src/", "tests/"},
			PhaseRefinement:        {"docs/reports/"},
			PhaseCompletion:        {"docs/final/"},
		},
		ApprovalRequired: map[Phase]bool{
			PhaseGoalClarification: true,
			PhaseSpecification:     true,
			PhaseArchitecture:      true,
		},
		Roles: roles,
	}
}

// FromConfig builds a Definition from configuration, falling back to the
// built-in sequence when no order is configured.
func FromConfig(cfg config.PhasesConfig) (Definition, error) {
	if len(cfg.Order) == 0 {
		return DefaultDefinition(), nil
	}

	def := Definition{
		RequiredArtifacts: make(map[Phase][]string, len(cfg.RequiredArtifacts)),
		ApprovalRequired:  make(map[Phase]bool, len(cfg.ApprovalRequired)),
		Roles:             make(map[Phase][]Role, len(cfg.Order)),
	}
	for _, p := range cfg.Order {
		def.Order = append(def.Order, Phase(p))
	}
	for p, prefixes := range cfg.RequiredArtifacts {
		def.RequiredArtifacts[Phase(p)] = slices.Clone(prefixes)
	}
	for _, p := range cfg.ApprovalRequired {
		def.ApprovalRequired[Phase(p)] = true
	}
	for _, p := range def.Order {
		roles := cfg.Roles[string(p)]
		if len(roles) == 0 {
			def.Roles[p] = []Role{RoleOrchestrator}
			continue
		}
		for _, r := range roles {
			def.Roles[p] = append(def.Roles[p], Role(r))
		}
	}
	return def, def.Validate()
}

// Validate checks the definition is usable.
func (d Definition) Validate() error {
	if len(d.Order) == 0 {
		return fmt.Errorf("%w: no phases", ErrInvalidDefinition)
	}
	seen := make(map[Phase]bool, len(d.Order))
	var errs []error
	for _, p := range d.Order {
		switch {
		case p == "" || p == PhaseInitialization || p == PhaseComplete:
			errs = append(errs, fmt.Errorf("reserved phase name %q", p))
		case strings.ContainsAny(string(p), ". "):
			errs = append(errs, fmt.Errorf("phase %q must not contain '.' or spaces", p))
		case seen[p]:
			errs = append(errs, fmt.Errorf("duplicate phase %q", p))
		}
		seen[p] = true
		if !slices.Contains(d.Roles[p], RoleOrchestrator) {
			errs = append(errs, fmt.Errorf("phase %q has no orchestrator role", p))
		}
	}
	for p := range d.RequiredArtifacts {
		if !seen[p] {
			errs = append(errs, fmt.Errorf("required artifacts for unknown phase %q", p))
		}
	}
	for p := range d.ApprovalRequired {
		if !seen[p] {
			errs = append(errs, fmt.Errorf("approval for unknown phase %q", p))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(errs...))
	}
	return nil
}

// Index returns the position of p in the order, or -1.
func (d Definition) Index(p Phase) int {
	return slices.Index(d.Order, p)
}

// Next returns the phase after p, or PhaseComplete after the last one.
// PhaseInitialization is followed by the first phase.
func (d Definition) Next(p Phase) (Phase, error) {
	if p == "" || p == PhaseInitialization {
		return d.Order[0], nil
	}
	if p == PhaseComplete {
		return PhaseComplete, nil
	}
	i := d.Index(p)
	if i < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownPhase, p)
	}
	if i == len(d.Order)-1 {
		return PhaseComplete, nil
	}
	return d.Order[i+1], nil
}

// Has reports whether p is a configured phase.
func (d Definition) Has(p Phase) bool {
	return d.Index(p) >= 0
}

// AgentName is the queue identity of a (phase, role) pair.
func AgentName(p Phase, r Role) string {
	return string(p) + "." + string(r)
}

// ParseAgent splits an agent name into phase and role.
func ParseAgent(name string) (Phase, Role, bool) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return Phase(name[:i]), Role(name[i+1:]), true
}

// Action is what the state machine wants the driver to do.
type Action string

const (
	ActionEnter           Action = "enter"
	ActionContinue        Action = "continue"
	ActionRequestApproval Action = "request_approval"
	ActionAwaitApproval   Action = "await_approval"
	ActionRemediate       Action = "remediate"
	ActionComplete        Action = "complete"
)

// Blocked reports whether the action waits on an external actor.
func (a Action) Blocked() bool {
	return a == ActionAwaitApproval
}

// Decision is the output of NextPhase.
type Decision struct {
	From       Phase       `json:"from"`
	To         Phase       `json:"to"`
	Action     Action      `json:"action"`
	Violations []Violation `json:"violations,omitempty"`
	ApprovalID string      `json:"approval_id,omitempty"`
}

// Advances reports whether the decision moves to a new state.
func (d Decision) Advances() bool {
	return d.To != d.From
}

// Violation is an unmet gate condition.
type Violation struct {
	Type        ViolationType `json:"type"`
	Phase       Phase         `json:"phase"`
	Description string        `json:"description"`
	Severity    Severity      `json:"severity"`
	Path        string        `json:"path,omitempty"`
}

// ViolationType categorizes gate violations.
type ViolationType string

const (
	ViolationMissingArtifact  ViolationType = "missing_artifact"
	ViolationApprovalMissing  ViolationType = "approval_missing"
	ViolationApprovalPending  ViolationType = "approval_pending"
	ViolationApprovalRejected ViolationType = "approval_rejected"
)

// Severity indicates how serious a violation is.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// PhaseGate checks one completion criterion for a phase.
type PhaseGate interface {
	Name() string
	Check(ctx context.Context, snap *Snapshot) ([]Violation, error)
}

// MemoryRecorder stores learnings produced by the driver.
type MemoryRecorder interface {
	RecordLearning(ctx context.Context, namespace string, l Learning) error
}

// Learning is a piece of knowledge the driver hands to the memory
// subsystem when a phase finishes or is rejected.
type Learning struct {
	Content    string
	MemoryType string
	Quality    float64
	Phase      Phase
	Tags       []string
}

// Transition is a recorded phase entry.
type Transition struct {
	Namespace string    `json:"namespace"`
	Phase     Phase     `json:"phase"`
	From      Phase     `json:"from"`
	Goal      string    `json:"goal,omitempty"`
	EnteredAt time.Time `json:"entered_at"`
}

// MemoryRecorderFunc adapts a function to MemoryRecorder.
type MemoryRecorderFunc func(ctx context.Context, namespace string, l Learning) error

// RecordLearning calls f.
func (f MemoryRecorderFunc) RecordLearning(ctx context.Context, namespace string, l Learning) error {
	return f(ctx, namespace, l)
}
