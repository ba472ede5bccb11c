package mcp

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// ToolCategory groups tools by the subsystem they touch.
type ToolCategory string

const (
	// CategoryTask covers claiming and finishing queued tasks.
	CategoryTask ToolCategory = "task"
	// CategoryMemory covers memory search and storage.
	CategoryMemory ToolCategory = "memory"
	// CategoryArtifact covers proposals routed to the state scribe.
	CategoryArtifact ToolCategory = "artifact"
	// CategoryPhase covers read-only phase state.
	CategoryPhase ToolCategory = "phase"
)

// Registry errors.
var (
	ErrToolNotFound   = errors.New("tool not found")
	ErrToolRegistered = errors.New("tool already registered")
)

// ToolMetadata describes a registered tool.
type ToolMetadata struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`
	Keywords    []string     `json:"keywords,omitempty"`
}

// ToolRegistry holds metadata for every tool the server exposes.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolMetadata
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolMetadata)}
}

// Register adds tool. Names are unique.
func (r *ToolRegistry) Register(tool *ToolMetadata) error {
	if tool == nil {
		return errors.New("tool metadata is required")
	}
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if tool.Description == "" {
		return errors.New("tool description is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name]; ok {
		return fmt.Errorf("%w: %s", ErrToolRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get returns the metadata for name.
func (r *ToolRegistry) Get(name string) (*ToolMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool, nil
}

// List returns all tools sorted by name.
func (r *ToolRegistry) List() []*ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolMetadata, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	slices.SortFunc(out, func(a, b *ToolMetadata) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// ListByCategory returns the tools in category sorted by name.
func (r *ToolRegistry) ListByCategory(category ToolCategory) []*ToolMetadata {
	var out []*ToolMetadata
	for _, tool := range r.List() {
		if tool.Category == category {
			out = append(out, tool)
		}
	}
	return out
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SearchResult is a tool matched by Search.
type SearchResult struct {
	Tool *ToolMetadata `json:"tool"`

	// Score is 3 for an exact name match, 2 for a name match and 1 for a
	// description or keyword match.
	Score       int    `json:"score"`
	MatchReason string `json:"match_reason"`
}

// Search matches query against names, descriptions and keywords. Query is
// tried as a case-insensitive regular expression and falls back to a
// substring match when it does not compile.
func (r *ToolRegistry) Search(query string) []*SearchResult {
	if query == "" {
		return nil
	}
	q := strings.ToLower(query)
	re, _ := regexp.Compile("(?i)" + query)
	match := func(s string) bool {
		if strings.Contains(strings.ToLower(s), q) {
			return true
		}
		return re != nil && re.MatchString(s)
	}

	var results []*SearchResult
	for _, tool := range r.List() {
		switch {
		case strings.ToLower(tool.Name) == q:
			results = append(results, &SearchResult{Tool: tool, Score: 3, MatchReason: "exact name match"})
		case match(tool.Name):
			results = append(results, &SearchResult{Tool: tool, Score: 2, MatchReason: "name match"})
		case match(tool.Description):
			results = append(results, &SearchResult{Tool: tool, Score: 1, MatchReason: "description match"})
		case slices.ContainsFunc(tool.Keywords, match):
			results = append(results, &SearchResult{Tool: tool, Score: 1, MatchReason: "keyword match"})
		}
	}
	slices.SortStableFunc(results, func(a, b *SearchResult) int { return b.Score - a.Score })
	return results
}
