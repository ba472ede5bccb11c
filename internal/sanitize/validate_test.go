package sanitize

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidateNamespace(t *testing.T) {
	tests := []struct {
		name    string
		ns      string
		wantErr bool
	}{
		{"simple", "acme", false},
		{"separators", "acme-web_v2.1", false},
		{"empty", "", true},
		{"uppercase", "Acme", true},
		{"traversal", "acme..web", true},
		{"slash", "acme/web", true},
		{"leading dash", "-acme", true},
		{"space", "acme web", true},
		{"too long", strings.Repeat("a", MaxIdentifierLength+1), true},
		{"max length", strings.Repeat("a", MaxIdentifierLength), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNamespace(tt.ns)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidNamespace)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAgent(t *testing.T) {
	assert.NoError(t, ValidateAgent("architecture.orchestrator"))
	assert.NoError(t, ValidateAgent("state-scribe"))
	assert.ErrorIs(t, ValidateAgent(""), ErrInvalidAgent)
	assert.ErrorIs(t, ValidateAgent("arch;rm -rf"), ErrInvalidAgent)
	assert.ErrorIs(t, ValidateAgent(strings.Repeat("a", 129)), ErrInvalidAgent)
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID(uuid.NewString()))
	assert.ErrorIs(t, ValidateID(""), ErrInvalidID)
	assert.ErrorIs(t, ValidateID("task-1"), ErrInvalidID)
}
