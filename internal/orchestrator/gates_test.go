package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phased/internal/approval"
	"github.com/fyrsmithlabs/phased/internal/scribe"
)

func TestArtifactGate_Check(t *testing.T) {
	gate := NewArtifactGate(DefaultDefinition())
	assert.Equal(t, "artifact-gate", gate.Name())

	snap := &Snapshot{
		Namespace: "demo",
		Phase:     PhaseGoalClarification,
		Artifacts: []*scribe.Artifact{{FilePath: "docs/mutual_understanding.md"}},
	}

	violations, err := gate.Check(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationMissingArtifact, violations[0].Type)
	assert.Equal(t, "docs/primary_project_planning", violations[0].Path)

	snap.Artifacts = append(snap.Artifacts, &scribe.Artifact{FilePath: "docs/primary_project_planning/plan.md"})
	violations, err = gate.Check(context.Background(), snap)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestApprovalGate_Check(t *testing.T) {
	gate := NewApprovalGate(DefaultDefinition())

	tests := []struct {
		name     string
		phase    Phase
		approval *approval.Record
		want     ViolationType
	}{
		{"ungated phase", PhaseImplementation, nil, ""},
		{"missing", PhaseSpecification, nil, ViolationApprovalMissing},
		{"pending", PhaseSpecification, &approval.Record{ID: "a", Status: approval.StatusPending}, ViolationApprovalPending},
		{"rejected", PhaseSpecification, &approval.Record{ID: "a", Status: approval.StatusRejected, Note: "too vague"}, ViolationApprovalRejected},
		{"approved", PhaseSpecification, &approval.Record{ID: "a", Status: approval.StatusApproved}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations, err := gate.Check(context.Background(), &Snapshot{Phase: tt.phase, Approval: tt.approval})
			require.NoError(t, err)
			if tt.want == "" {
				assert.Empty(t, violations)
				return
			}
			require.Len(t, violations, 1)
			assert.Equal(t, tt.want, violations[0].Type)
		})
	}

	violations, _ := gate.Check(context.Background(), &Snapshot{
		Phase:    PhaseSpecification,
		Approval: &approval.Record{ID: "a", Status: approval.StatusRejected, Note: "too vague"},
	})
	assert.Contains(t, violations[0].Description, "too vague")
}

func TestDescribeViolations(t *testing.T) {
	assert.Equal(t, "", describeViolations(nil))
	got := describeViolations([]Violation{
		{Type: ViolationMissingArtifact, Description: "no src"},
		{Type: ViolationApprovalPending, Description: "waiting"},
	})
	assert.Equal(t, "[missing_artifact] no src; [approval_pending] waiting", got)
}
