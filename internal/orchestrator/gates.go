package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/phased/internal/approval"
	"github.com/fyrsmithlabs/phased/internal/scribe"
)

// Snapshot is the state a gate evaluates: the artifact registry for the
// namespace and the latest approval for the phase.
type Snapshot struct {
	Namespace string
	Phase     Phase
	Artifacts []*scribe.Artifact
	Approval  *approval.Record
}

// HasPrefix reports whether any artifact path starts with prefix.
func (s *Snapshot) HasPrefix(prefix string) bool {
	for _, a := range s.Artifacts {
		if strings.HasPrefix(a.FilePath, prefix) {
			return true
		}
	}
	return false
}

// ArtifactGate requires every configured path prefix for a phase.
type ArtifactGate struct {
	required map[Phase][]string
}

// NewArtifactGate creates an artifact presence gate.
func NewArtifactGate(def Definition) *ArtifactGate {
	return &ArtifactGate{required: def.RequiredArtifacts}
}

// Name returns the gate identifier
func (g *ArtifactGate) Name() string {
	return "artifact-gate"
}

// Check reports one violation per missing prefix.
func (g *ArtifactGate) Check(_ context.Context, snap *Snapshot) ([]Violation, error) {
	var violations []Violation
	for _, prefix := range g.required[snap.Phase] {
		if snap.HasPrefix(prefix) {
			continue
		}
		violations = append(violations, Violation{
			Type:        ViolationMissingArtifact,
			Phase:       snap.Phase,
			Description: fmt.Sprintf("no artifact recorded under %q", prefix),
			Severity:    SeverityError,
			Path:        prefix,
		})
	}
	return violations, nil
}

// ApprovalGate requires an approved record for gated phases.
type ApprovalGate struct {
	gated map[Phase]bool
}

// NewApprovalGate creates the approval gate.
func NewApprovalGate(def Definition) *ApprovalGate {
	return &ApprovalGate{gated: def.ApprovalRequired}
}

// Name returns the gate identifier
func (g *ApprovalGate) Name() string {
	return "approval-gate"
}

// Check validates the latest approval for the phase.
func (g *ApprovalGate) Check(_ context.Context, snap *Snapshot) ([]Violation, error) {
	if !g.gated[snap.Phase] {
		return nil, nil
	}

	v := Violation{Phase: snap.Phase, Severity: SeverityError}
	switch {
	case snap.Approval == nil:
		v.Type = ViolationApprovalMissing
		v.Description = "phase requires approval and none has been requested"
	case snap.Approval.Status == approval.StatusPending:
		v.Type = ViolationApprovalPending
		v.Description = fmt.Sprintf("approval %s is pending", snap.Approval.ID)
		v.Severity = SeverityWarning
	case snap.Approval.Status == approval.StatusRejected:
		v.Type = ViolationApprovalRejected
		v.Description = fmt.Sprintf("approval %s was rejected", snap.Approval.ID)
		if snap.Approval.Note != "" {
			v.Description += ": " + snap.Approval.Note
		}
	default:
		return nil, nil
	}
	return []Violation{v}, nil
}

// describeViolations creates a summary of violations
func describeViolations(violations []Violation) string {
	if len(violations) == 0 {
		return ""
	}
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, fmt.Sprintf("[%s] %s", v.Type, v.Description))
	}
	return strings.Join(parts, "; ")
}

func violationsOfType(violations []Violation, t ViolationType) []Violation {
	var out []Violation
	for _, v := range violations {
		if v.Type == t {
			out = append(out, v)
		}
	}
	return out
}
