package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Task types used by the orchestration core.
const (
	TypeGoal        = "goal"
	TypePhaseWork   = "phase.work"
	TypeContinue    = "phase.continue"
	TypeRemediate   = "phase.remediate"
	TypeArtifact    = "artifact.record"
	TypeMemoryStore = "memory.store"
)

// DelegationMessage is the payload every orchestrator hands to a worker.
type DelegationMessage struct {
	TaskID               string         `json:"task_id"`
	Description          string         `json:"description"`
	Context              map[string]any `json:"context,omitempty"`
	Requirements         []string       `json:"requirements,omitempty"`
	AIVerifiableOutcomes []string       `json:"ai_verifiable_outcomes,omitempty"`
	Phase                string         `json:"phase"`
	Priority             int            `json:"priority"`
}

// Encode marshals the message.
func (m DelegationMessage) Encode() (json.RawMessage, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode delegation: %w", err)
	}
	return b, nil
}

// DecodeDelegation parses a task payload as a DelegationMessage.
func DecodeDelegation(payload json.RawMessage) (*DelegationMessage, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty delegation payload")
	}
	var m DelegationMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode delegation: %w", err)
	}
	if m.Description == "" {
		return nil, errors.New("delegation description required")
	}
	return &m, nil
}

// Delegation addresses a DelegationMessage to an agent.
type Delegation struct {
	Namespace string
	From      string
	To        string
	TaskType  string
	Ref       string
	Message   DelegationMessage
}

// Delegate enqueues msg for the target agent. The generated task id is
// written into the message so workers can echo it back.
func (q *Queue) Delegate(ctx context.Context, d Delegation) (string, error) {
	id := uuid.NewString()
	d.Message.TaskID = id

	payload, err := d.Message.Encode()
	if err != nil {
		return "", err
	}
	taskType := d.TaskType
	if taskType == "" {
		taskType = TypePhaseWork
	}

	return q.Enqueue(ctx, EnqueueRequest{
		ID:        id,
		Namespace: d.Namespace,
		FromAgent: d.From,
		ToAgent:   d.To,
		TaskType:  taskType,
		Phase:     d.Message.Phase,
		Ref:       d.Ref,
		Payload:   payload,
		Priority:  d.Message.Priority,
	})
}
