package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopHandler() Handler {
	return HandlerFunc(func(context.Context, Request) (*Result, error) {
		return &Result{Summary: "ok"}, nil
	})
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(PhaseSpecification, RoleOrchestrator, nopHandler()))
	require.Error(t, r.Register(PhaseSpecification, RoleOrchestrator, nopHandler()), "duplicate")
	require.Error(t, r.Register(PhaseSpecification, RoleSpecialist, nil), "nil handler")

	h, p, role, err := r.Resolve("specification.orchestrator")
	require.NoError(t, err)
	assert.Equal(t, PhaseSpecification, p)
	assert.Equal(t, RoleOrchestrator, role)
	res, err := h.Handle(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Summary)

	_, _, _, err = r.Resolve("specification.specialist")
	assert.Error(t, err)
	_, _, _, err = r.Resolve("garbage")
	assert.Error(t, err)
}

func TestRegistry_Validate(t *testing.T) {
	def := DefaultDefinition()

	r := NewRegistry()
	err := r.Validate(def)
	require.ErrorIs(t, err, ErrRegistryIncomplete)
	assert.Contains(t, err.Error(), `phase "goal-clarification" has no orchestrator`)

	require.NoError(t, r.RegisterAll(def, nopHandler()))
	require.NoError(t, r.Validate(def))
	assert.Len(t, r.Agents(), 12)
	assert.Equal(t, "architecture.orchestrator", r.Agents()[0])

	require.NoError(t, r.Register("deployment", RoleOrchestrator, nopHandler()))
	assert.ErrorIs(t, r.Validate(def), ErrRegistryIncomplete)
}
