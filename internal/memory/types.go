package memory

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Memory types used by the orchestration core. Other values are accepted.
const (
	TypeSuccessfulSolution = "successful_solution"
	TypeUserPreference     = "user_preference"
	TypeCodePattern        = "code_pattern"
	TypeFailedAttempt      = "failed_attempt"
	TypeQualityInsight     = "quality_insight"
)

// Defaults.
const (
	DefaultSearchLimit  = 10
	DefaultInsightLimit = 5
	MaxSearchLimit      = 100

	// InsightMinQuality is the quality floor for contextual insights.
	InsightMinQuality = 0.6
)

// InsightTypes are searched by GetContextualInsights when no types are given.
var InsightTypes = []string{TypeSuccessfulSolution, TypeCodePattern, TypeQualityInsight}

var (
	ErrEmptyNamespace = errors.New("namespace required")
	ErrEmptyContent   = errors.New("content cannot be empty")
	ErrEmptyType      = errors.New("memory type required")
	ErrInvalidQuality = errors.New("quality score must be in [0, 1]")
	ErrNotFound       = errors.New("memory not found")
)

// Record is a stored memory. Records are immutable; corrections are new
// records.
type Record struct {
	ID           string    `json:"id"`
	Namespace    string    `json:"namespace"`
	Content      string    `json:"content"`
	MemoryType   string    `json:"memory_type"`
	QualityScore float64   `json:"quality_score"`
	Tags         []string  `json:"tags,omitempty"`
	EmbeddingRef string    `json:"embedding_ref"`
	Agent        string    `json:"agent,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// StoreRequest describes a memory to write.
type StoreRequest struct {
	Namespace    string
	Content      string
	MemoryType   string
	QualityScore float64
	Tags         []string
	Agent        string
	Phase        string
}

// Validate checks required fields and normalizes tags into a sorted set.
func (r *StoreRequest) Validate() error {
	if strings.TrimSpace(r.Namespace) == "" {
		return ErrEmptyNamespace
	}
	if strings.TrimSpace(r.Content) == "" {
		return ErrEmptyContent
	}
	if strings.TrimSpace(r.MemoryType) == "" {
		return ErrEmptyType
	}
	if r.QualityScore < 0 || r.QualityScore > 1 || r.QualityScore != r.QualityScore {
		return fmt.Errorf("%w: got %v", ErrInvalidQuality, r.QualityScore)
	}
	r.Tags = normalizeTags(r.Tags)
	return nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// SearchRequest is a filtered similarity query.
type SearchRequest struct {
	Query     string
	Namespace string
	// MemoryTypes restricts results; empty means all types.
	MemoryTypes []string
	Limit       int
	MinQuality  float64
	// MinScore drops hits whose similarity is not above it. Non-positive
	// similarities are never returned.
	MinScore float32
}

// Hit is a search result.
type Hit struct {
	Record
	Score float32 `json:"score"`
}

// Enhancement is the memory context prepared for an agent invocation.
type Enhancement struct {
	Agent string `json:"agent"`
	Phase string `json:"phase"`

	// Boost estimates how much retrieved memory should help, in [0, 1].
	Boost       float64 `json:"boost"`
	Relevance   float64 `json:"relevance"`
	SuccessRate float64 `json:"success_rate"`
	Memories    []Hit   `json:"memories,omitempty"`
}

// MemoryIDs returns the IDs of the attached memories.
func (e Enhancement) MemoryIDs() []string {
	ids := make([]string, len(e.Memories))
	for i, m := range e.Memories {
		ids[i] = m.ID
	}
	return ids
}

// Prompt renders the attached memories as a context block. It is empty
// when there is nothing to attach.
func (e Enhancement) Prompt() string {
	if len(e.Memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant project memory:\n")
	for _, m := range e.Memories {
		fmt.Fprintf(&b, "- [%s q=%.2f] %s\n", m.MemoryType, m.QualityScore, m.Content)
	}
	return b.String()
}

// Snapshot records the context an agent was given for a task.
type Snapshot struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	TaskID    string    `json:"task_id"`
	Agent     string    `json:"agent"`
	Phase     string    `json:"phase,omitempty"`
	Boost     float64   `json:"boost"`
	MemoryIDs []string  `json:"memory_ids"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PrunePolicy selects records for garbage collection. A record is removed
// when it is older than TTL or scores below MinQuality. Zero values
// disable the respective criterion.
type PrunePolicy struct {
	// Namespace limits pruning to one namespace; empty prunes all.
	Namespace  string
	TTL        time.Duration
	MinQuality float64
}

// PruneResult reports what Prune removed.
type PruneResult struct {
	Memories  int64 `json:"memories"`
	Snapshots int64 `json:"snapshots"`
}
