package scribe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/phased/internal/queue"
)

// Proposal operations.
const (
	OpRecord = "record"
	OpDelete = "delete"
)

// Proposal is the payload of an artifact.record task.
type Proposal struct {
	Op string `json:"op,omitempty"`
	// Phase tags the task so the orchestrator counts it as phase work.
	Phase string `json:"phase,omitempty"`
	RecordRequest
}

// Enqueuer is the part of the queue Propose needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// Propose asks the scribe to apply p on behalf of from. The proposal is
// validated up front so obviously bad paths fail at the caller.
func Propose(ctx context.Context, q Enqueuer, from string, p Proposal) (string, error) {
	if p.Op == OpDelete {
		if _, err := cleanPath(p.FilePath); err != nil {
			return "", err
		}
		if p.Namespace == "" {
			return "", fmt.Errorf("%w: namespace required", ErrInvalidRecord)
		}
	} else if err := p.Validate(); err != nil {
		return "", err
	}

	return q.Enqueue(ctx, queue.EnqueueRequest{
		Namespace: p.Namespace,
		FromAgent: from,
		ToAgent:   Agent,
		TaskType:  queue.TypeArtifact,
		Phase:     p.Phase,
		Ref:       "artifact:" + p.FilePath,
		Payload:   p,
	})
}

// DecodeProposal parses a task payload.
func DecodeProposal(payload json.RawMessage) (Proposal, error) {
	var p Proposal
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return p, nil
}
