package sanitize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Validation errors.
var (
	ErrInvalidNamespace = errors.New("invalid namespace")
	ErrInvalidAgent     = errors.New("invalid agent name")
	ErrInvalidID        = errors.New("invalid id")
)

const maxAgentLength = 128

// namePattern allows lowercase alphanumerics with '.', '_' and '-'
// separators; the first character must be alphanumeric.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidateNamespace checks a namespace supplied by a caller.
func ValidateNamespace(ns string) error {
	return validateName(ns, MaxIdentifierLength, ErrInvalidNamespace)
}

// ValidateAgent checks an agent name such as "architecture.orchestrator".
func ValidateAgent(name string) error {
	return validateName(name, maxAgentLength, ErrInvalidAgent)
}

func validateName(s string, maxLen int, sentinel error) error {
	switch {
	case s == "":
		return fmt.Errorf("%w: empty", sentinel)
	case len(s) > maxLen:
		return fmt.Errorf("%w: longer than %d characters", sentinel, maxLen)
	case strings.Contains(s, ".."):
		return fmt.Errorf("%w: contains '..'", sentinel)
	case !namePattern.MatchString(s):
		return fmt.Errorf("%w: %q must be lowercase alphanumeric with '.', '_' or '-'", sentinel, s)
	}
	return nil
}

// ValidateID checks that id is a UUID as generated for tasks, memories and
// approvals.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
