package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/memory"
	"github.com/fyrsmithlabs/phased/internal/queue"
	"github.com/fyrsmithlabs/phased/internal/sanitize"
	"github.com/fyrsmithlabs/phased/internal/scribe"
	"github.com/fyrsmithlabs/phased/internal/worker"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 50

	// failedAttemptQuality matches what the in-process worker records.
	failedAttemptQuality = 0.5
)

var errInvalidArgument = errors.New("invalid argument")

func (s *Server) registerTools() error {
	return errors.Join(
		addTool(s, &ToolMetadata{
			Name:        "task_claim",
			Description: "Claim the next pending task addressed to an agent in a namespace",
			Category:    CategoryTask,
			Keywords:    []string{"queue", "work", "next"},
		}, s.taskClaim),
		addTool(s, &ToolMetadata{
			Name:        "task_complete",
			Description: "Complete a claimed task with a summary and quality score",
			Category:    CategoryTask,
			Keywords:    []string{"queue", "done", "result"},
		}, s.taskComplete),
		addTool(s, &ToolMetadata{
			Name:        "task_fail",
			Description: "Fail a claimed task, optionally marking the failure retryable",
			Category:    CategoryTask,
			Keywords:    []string{"queue", "error", "retry"},
		}, s.taskFail),
		addTool(s, &ToolMetadata{
			Name:        "memory_search",
			Description: "Search stored memories in a namespace by similarity",
			Category:    CategoryMemory,
			Keywords:    []string{"recall", "learning", "find"},
		}, s.memorySearch),
		addTool(s, &ToolMetadata{
			Name:        "memory_store",
			Description: "Store a memory such as a code pattern or quality insight",
			Category:    CategoryMemory,
			Keywords:    []string{"remember", "learning", "save"},
		}, s.memoryStore),
		addTool(s, &ToolMetadata{
			Name:        "artifact_propose",
			Description: "Propose an artifact record or deletion to the state scribe",
			Category:    CategoryArtifact,
			Keywords:    []string{"scribe", "file", "record"},
		}, s.artifactPropose),
		addTool(s, &ToolMetadata{
			Name:        "phase_status",
			Description: "Report the current phase, next decision and task counts for a namespace",
			Category:    CategoryPhase,
			Keywords:    []string{"state", "approval", "progress"},
		}, s.phaseStatus),
	)
}

// addTool registers meta and wraps h with metrics and error logging.
func addTool[In, Out any](s *Server, meta *ToolMetadata, h func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, Out, error)) error {
	if err := s.tools.Register(meta); err != nil {
		return err
	}
	name := meta.Name
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        name,
		Description: meta.Description,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args In) (res *mcp.CallToolResult, out Out, err error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, name)
		defer func() {
			s.metrics.DecrementActive(ctx, name)
			s.metrics.RecordInvocation(ctx, name, time.Since(start), err)
			if err != nil {
				s.logger.Warn("tool call failed", zap.String("tool", name), zap.Error(err))
			}
		}()
		return h(ctx, req, args)
	})
	return nil
}

func textResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

func (s *Server) scrub(text string) string {
	return s.scrubber.Scrub(text).Scrubbed
}

// ===== TASK TOOLS =====

type taskView struct {
	TaskID      string                   `json:"task_id" jsonschema:"Task identifier to pass to task_complete or task_fail"`
	Namespace   string                   `json:"namespace"`
	FromAgent   string                   `json:"from_agent"`
	ToAgent     string                   `json:"to_agent"`
	TaskType    string                   `json:"task_type"`
	Phase       string                   `json:"phase,omitempty"`
	Attempt     int                      `json:"attempt"`
	MaxAttempts int                      `json:"max_attempts"`
	Message     *queue.DelegationMessage `json:"message,omitempty" jsonschema:"Delegation message for phase work"`
	Payload     string                   `json:"payload,omitempty" jsonschema:"Raw payload when it is not a delegation message"`
}

func (s *Server) viewTask(t *queue.Task) *taskView {
	v := &taskView{
		TaskID:      t.ID,
		Namespace:   t.Namespace,
		FromAgent:   t.FromAgent,
		ToAgent:     t.ToAgent,
		TaskType:    t.TaskType,
		Phase:       t.Phase,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
	}
	if msg, err := queue.DecodeDelegation(t.Payload); err == nil {
		msg.Description = s.scrub(msg.Description)
		v.Message = msg
	} else {
		v.Payload = s.scrub(string(t.Payload))
	}
	return v
}

type taskClaimInput struct {
	Namespace string `json:"namespace" jsonschema:"Namespace to claim from"`
	Agent     string `json:"agent" jsonschema:"Agent name the task is addressed to, e.g. specification.specialist"`
}

type taskClaimOutput struct {
	Claimed bool      `json:"claimed" jsonschema:"False when no task is available"`
	Task    *taskView `json:"task,omitempty"`
}

func (s *Server) taskClaim(ctx context.Context, req *mcp.CallToolRequest, args taskClaimInput) (*mcp.CallToolResult, taskClaimOutput, error) {
	if err := sanitize.ValidateNamespace(args.Namespace); err != nil {
		return nil, taskClaimOutput{}, err
	}
	if err := sanitize.ValidateAgent(args.Agent); err != nil {
		return nil, taskClaimOutput{}, err
	}

	task, err := s.queue.ClaimNext(ctx, args.Namespace, args.Agent)
	if err != nil {
		return nil, taskClaimOutput{}, fmt.Errorf("claim failed: %w", err)
	}
	if task == nil {
		return textResult("No task available for %s", args.Agent), taskClaimOutput{}, nil
	}

	out := taskClaimOutput{Claimed: true, Task: s.viewTask(task)}
	return textResult("Claimed task %s (%s, attempt %d)", task.ID, task.TaskType, task.Attempt), out, nil
}

type taskCompleteInput struct {
	TaskID  string  `json:"task_id" jsonschema:"Task identifier returned by task_claim"`
	Summary string  `json:"summary" jsonschema:"What was done"`
	Quality float64 `json:"quality,omitempty" jsonschema:"Self-assessed quality in (0, 1], default 0.6"`
}

type taskFinishOutput struct {
	TaskID    string       `json:"task_id"`
	Status    queue.Status `json:"status"`
	Retryable bool         `json:"retryable,omitempty"`
}

// claimed loads id and its delegation description, if any.
func (s *Server) claimed(ctx context.Context, id string) (*queue.Task, string, error) {
	if err := sanitize.ValidateID(id); err != nil {
		return nil, "", err
	}
	task, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	var description string
	if msg, err := queue.DecodeDelegation(task.Payload); err == nil {
		description = msg.Description
	}
	return task, description, nil
}

func (s *Server) taskComplete(ctx context.Context, req *mcp.CallToolRequest, args taskCompleteInput) (*mcp.CallToolResult, taskFinishOutput, error) {
	if args.Summary == "" {
		return nil, taskFinishOutput{}, fmt.Errorf("%w: summary is required", errInvalidArgument)
	}
	quality := args.Quality
	if quality == 0 {
		quality = worker.DefaultQuality
	}
	if quality < 0 || quality > 1 {
		return nil, taskFinishOutput{}, fmt.Errorf("%w: quality must be in (0, 1]", errInvalidArgument)
	}

	task, description, err := s.claimed(ctx, args.TaskID)
	if err != nil {
		return nil, taskFinishOutput{}, err
	}
	summary := s.scrub(args.Summary)
	if err := s.queue.Complete(ctx, task.ID, worker.Report{Summary: summary, Quality: quality}); err != nil {
		return nil, taskFinishOutput{}, fmt.Errorf("complete failed: %w", err)
	}

	if description != "" {
		s.remember(ctx, memory.StoreRequest{
			Namespace:    task.Namespace,
			Content:      fmt.Sprintf("%s: %s\n%s", task.ToAgent, description, summary),
			MemoryType:   memory.TypeSuccessfulSolution,
			QualityScore: quality,
			Tags:         []string{task.ToAgent, task.Phase},
			Agent:        task.ToAgent,
			Phase:        task.Phase,
		})
	}

	out := taskFinishOutput{TaskID: task.ID, Status: queue.StatusCompleted}
	return textResult("Task %s completed", task.ID), out, nil
}

type taskFailInput struct {
	TaskID    string `json:"task_id" jsonschema:"Task identifier returned by task_claim"`
	Error     string `json:"error" jsonschema:"Why the task failed"`
	Retryable bool   `json:"retryable,omitempty" jsonschema:"Whether a retry could succeed"`
}

func (s *Server) taskFail(ctx context.Context, req *mcp.CallToolRequest, args taskFailInput) (*mcp.CallToolResult, taskFinishOutput, error) {
	if args.Error == "" {
		return nil, taskFinishOutput{}, fmt.Errorf("%w: error is required", errInvalidArgument)
	}
	task, description, err := s.claimed(ctx, args.TaskID)
	if err != nil {
		return nil, taskFinishOutput{}, err
	}

	msg := s.scrub(args.Error)
	cause := errors.New(msg)
	if args.Retryable {
		cause = queue.Retryable(cause)
	}
	if err := s.queue.Fail(ctx, task.ID, cause); err != nil {
		return nil, taskFinishOutput{}, fmt.Errorf("fail failed: %w", err)
	}

	if description != "" {
		s.remember(ctx, memory.StoreRequest{
			Namespace:    task.Namespace,
			Content:      fmt.Sprintf("%s failed: %s\nerror: %s", task.ToAgent, description, msg),
			MemoryType:   memory.TypeFailedAttempt,
			QualityScore: failedAttemptQuality,
			Tags:         []string{task.ToAgent, task.Phase},
			Agent:        task.ToAgent,
			Phase:        task.Phase,
		})
	}

	out := taskFinishOutput{TaskID: task.ID, Status: queue.StatusFailed, Retryable: args.Retryable}
	return textResult("Task %s failed", task.ID), out, nil
}

func (s *Server) remember(ctx context.Context, req memory.StoreRequest) {
	if _, err := s.memory.Store(ctx, req); err != nil {
		s.logger.Warn("record task memory", zap.String("memory_type", req.MemoryType), zap.Error(err))
	}
}

// ===== MEMORY TOOLS =====

type memorySearchInput struct {
	Namespace   string   `json:"namespace" jsonschema:"Namespace to search"`
	Query       string   `json:"query" jsonschema:"Free-text query"`
	MemoryTypes []string `json:"memory_types,omitempty" jsonschema:"Restrict to these memory types"`
	Limit       int      `json:"limit,omitempty" jsonschema:"Maximum results (default 5, max 50)"`
	MinQuality  float64  `json:"min_quality,omitempty" jsonschema:"Drop memories below this quality score"`
}

type memoryView struct {
	ID           string   `json:"id"`
	Content      string   `json:"content"`
	MemoryType   string   `json:"memory_type"`
	QualityScore float64  `json:"quality_score"`
	Tags         []string `json:"tags,omitempty"`
	Agent        string   `json:"agent,omitempty"`
	Phase        string   `json:"phase,omitempty"`
	Score        float32  `json:"score"`
}

type memorySearchOutput struct {
	Memories []memoryView `json:"memories"`
	Count    int          `json:"count"`
}

func (s *Server) memorySearch(ctx context.Context, req *mcp.CallToolRequest, args memorySearchInput) (*mcp.CallToolResult, memorySearchOutput, error) {
	if err := sanitize.ValidateNamespace(args.Namespace); err != nil {
		return nil, memorySearchOutput{}, err
	}
	if args.Query == "" {
		return nil, memorySearchOutput{}, fmt.Errorf("%w: query is required", errInvalidArgument)
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)

	hits, err := s.memory.Search(ctx, memory.SearchRequest{
		Query:       args.Query,
		Namespace:   args.Namespace,
		MemoryTypes: args.MemoryTypes,
		Limit:       limit,
		MinQuality:  args.MinQuality,
	})
	if err != nil {
		return nil, memorySearchOutput{}, fmt.Errorf("memory search failed: %w", err)
	}

	out := memorySearchOutput{Memories: make([]memoryView, 0, len(hits)), Count: len(hits)}
	for _, h := range hits {
		out.Memories = append(out.Memories, memoryView{
			ID:           h.ID,
			Content:      s.scrub(h.Content),
			MemoryType:   h.MemoryType,
			QualityScore: h.QualityScore,
			Tags:         h.Tags,
			Agent:        h.Agent,
			Phase:        h.Phase,
			Score:        h.Score,
		})
	}
	return textResult("Found %d memories", len(hits)), out, nil
}

type memoryStoreInput struct {
	Namespace    string   `json:"namespace" jsonschema:"Namespace to store into"`
	Content      string   `json:"content" jsonschema:"Memory text"`
	MemoryType   string   `json:"memory_type" jsonschema:"One of successful_solution, user_preference, code_pattern, failed_attempt, quality_insight"`
	QualityScore float64  `json:"quality_score,omitempty" jsonschema:"Quality in [0, 1]"`
	Tags         []string `json:"tags,omitempty"`
	Agent        string   `json:"agent,omitempty" jsonschema:"Agent that produced the memory"`
	Phase        string   `json:"phase,omitempty"`
}

type memoryStoreOutput struct {
	ID string `json:"id"`
}

func (s *Server) memoryStore(ctx context.Context, req *mcp.CallToolRequest, args memoryStoreInput) (*mcp.CallToolResult, memoryStoreOutput, error) {
	if err := sanitize.ValidateNamespace(args.Namespace); err != nil {
		return nil, memoryStoreOutput{}, err
	}
	if args.Agent != "" {
		if err := sanitize.ValidateAgent(args.Agent); err != nil {
			return nil, memoryStoreOutput{}, err
		}
	}

	id, err := s.memory.Store(ctx, memory.StoreRequest{
		Namespace:    args.Namespace,
		Content:      args.Content,
		MemoryType:   args.MemoryType,
		QualityScore: args.QualityScore,
		Tags:         args.Tags,
		Agent:        args.Agent,
		Phase:        args.Phase,
	})
	if err != nil {
		return nil, memoryStoreOutput{}, fmt.Errorf("memory store failed: %w", err)
	}
	return textResult("Memory stored: %s", id), memoryStoreOutput{ID: id}, nil
}

// ===== ARTIFACT TOOLS =====

type artifactProposeInput struct {
	Namespace           string `json:"namespace"`
	Agent               string `json:"agent" jsonschema:"Agent making the proposal"`
	Phase               string `json:"phase,omitempty" jsonschema:"Phase the artifact belongs to"`
	Op                  string `json:"op,omitempty" jsonschema:"record (default) or delete"`
	FilePath            string `json:"file_path" jsonschema:"Relative artifact path"`
	MemoryType          string `json:"memory_type,omitempty" jsonschema:"Artifact kind, e.g. specification or architecture"`
	BriefDescription    string `json:"brief_description,omitempty"`
	ElementsDescription string `json:"elements_description,omitempty"`
	Rationale           string `json:"rationale,omitempty"`
}

type artifactProposeOutput struct {
	TaskID string `json:"task_id" jsonschema:"Scribe task that will apply the proposal"`
}

func (s *Server) artifactPropose(ctx context.Context, req *mcp.CallToolRequest, args artifactProposeInput) (*mcp.CallToolResult, artifactProposeOutput, error) {
	if err := sanitize.ValidateNamespace(args.Namespace); err != nil {
		return nil, artifactProposeOutput{}, err
	}
	if err := sanitize.ValidateAgent(args.Agent); err != nil {
		return nil, artifactProposeOutput{}, err
	}
	if args.Op != "" && args.Op != scribe.OpRecord && args.Op != scribe.OpDelete {
		return nil, artifactProposeOutput{}, fmt.Errorf("%w: unknown op %q", errInvalidArgument, args.Op)
	}

	id, err := scribe.Propose(ctx, s.queue, args.Agent, scribe.Proposal{
		Op:    args.Op,
		Phase: args.Phase,
		RecordRequest: scribe.RecordRequest{
			Namespace:           args.Namespace,
			FilePath:            args.FilePath,
			MemoryType:          args.MemoryType,
			BriefDescription:    s.scrub(args.BriefDescription),
			ElementsDescription: s.scrub(args.ElementsDescription),
			Rationale:           s.scrub(args.Rationale),
		},
	})
	if err != nil {
		return nil, artifactProposeOutput{}, fmt.Errorf("proposal rejected: %w", err)
	}
	return textResult("Proposal queued for %s: %s", scribe.Agent, id), artifactProposeOutput{TaskID: id}, nil
}

// ===== PHASE TOOLS =====

type phaseStatusInput struct {
	Namespace string `json:"namespace"`
}

type approvalView struct {
	ID      string `json:"id"`
	Phase   string `json:"phase"`
	Summary string `json:"summary"`
}

type phaseStatusOutput struct {
	Namespace        string         `json:"namespace"`
	Goal             string         `json:"goal,omitempty"`
	Phase            string         `json:"phase"`
	Action           string         `json:"action" jsonschema:"What the orchestrator will do next"`
	NextPhase        string         `json:"next_phase"`
	Blocked          bool           `json:"blocked"`
	Stalled          bool           `json:"stalled"`
	Tasks            map[string]int `json:"tasks"`
	PendingApprovals []approvalView `json:"pending_approvals"`
	Violations       []string       `json:"violations,omitempty"`
	Artifacts        int            `json:"artifacts"`
}

func (s *Server) phaseStatus(ctx context.Context, req *mcp.CallToolRequest, args phaseStatusInput) (*mcp.CallToolResult, phaseStatusOutput, error) {
	if err := sanitize.ValidateNamespace(args.Namespace); err != nil {
		return nil, phaseStatusOutput{}, err
	}
	r, err := s.status.Status(ctx, args.Namespace)
	if err != nil {
		return nil, phaseStatusOutput{}, fmt.Errorf("status failed: %w", err)
	}

	out := phaseStatusOutput{
		Namespace:        r.Namespace,
		Goal:             s.scrub(r.Goal),
		Phase:            string(r.Phase),
		Action:           string(r.Decision.Action),
		NextPhase:        string(r.Decision.To),
		Blocked:          r.Blocked,
		Stalled:          r.Stalled,
		Tasks:            make(map[string]int, len(r.Tasks)),
		PendingApprovals: make([]approvalView, 0, len(r.PendingApprovals)),
		Artifacts:        r.Artifacts,
	}
	for st, n := range r.Tasks {
		out.Tasks[string(st)] = n
	}
	for _, a := range r.PendingApprovals {
		out.PendingApprovals = append(out.PendingApprovals, approvalView{ID: a.ID, Phase: a.Phase, Summary: s.scrub(a.Summary)})
	}
	for _, v := range r.Decision.Violations {
		out.Violations = append(out.Violations, v.Description)
	}
	return textResult("%s: phase %s, next %s (%s)", r.Namespace, r.Phase, r.Decision.To, r.Decision.Action), out, nil
}
