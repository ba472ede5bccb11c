package http

import "github.com/fyrsmithlabs/phased/internal/approval"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// RunRequest is the request body for POST /api/v1/runs. An empty Phase
// starts at the first phase.
type RunRequest struct {
	Goal      string `json:"goal"`
	Namespace string `json:"namespace"`
	Phase     string `json:"phase,omitempty"`
}

// ResolveRequest is the request body for POST /api/v1/approvals/:id/resolve.
type ResolveRequest struct {
	Status   string `json:"status"`
	Resolver string `json:"resolver,omitempty"`
	Note     string `json:"note,omitempty"`
}

// ApprovalsResponse is the response body for GET /api/v1/namespaces/:ns/approvals.
type ApprovalsResponse struct {
	Namespace string             `json:"namespace"`
	Approvals []*approval.Record `json:"approvals"`
}
