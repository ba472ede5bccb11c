package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/phased/internal/completion"
	"github.com/fyrsmithlabs/phased/internal/orchestrator"
)

// DefaultQuality is used when the model does not score its own work.
const DefaultQuality = 0.6

const systemPrompt = `You are the %s agent for the %s phase of a software project.
Complete the delegated task. Reply with a single JSON object:
{
  "summary": "what you did",
  "proposals": [{"file_path": "relative/path", "memory_type": "kind", "brief_description": "...", "elements_description": "...", "rationale": "..."}],
  "delegations": [{"role": "specialist", "message": {"description": "...", "requirements": ["..."]}}],
  "quality": 0.0-1.0
}
Every file you produce must appear in proposals. Paths are relative to the project root.`

// CompletionHandler answers tasks with a completion provider.
type CompletionHandler struct {
	provider  completion.Provider
	maxTokens int
}

// NewCompletionHandler creates a handler backed by p.
func NewCompletionHandler(p completion.Provider, maxTokens int) *CompletionHandler {
	return &CompletionHandler{provider: p, maxTokens: maxTokens}
}

// Handle implements orchestrator.Handler.
func (h *CompletionHandler) Handle(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	resp, err := h.provider.Complete(ctx, completion.Request{
		System:    fmt.Sprintf(systemPrompt, req.Role, req.Phase),
		Prompt:    BuildPrompt(req),
		MaxTokens: h.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	return ParseResult(resp.Text), nil
}

// BuildPrompt renders the delegation message and memory context.
func BuildPrompt(req orchestrator.Request) string {
	var b strings.Builder
	m := req.Message
	if m == nil {
		return ""
	}
	fmt.Fprintf(&b, "Task: %s\n", m.Description)
	if m.Phase != "" {
		fmt.Fprintf(&b, "Phase: %s\n", m.Phase)
	}
	if len(m.Context) > 0 {
		b.WriteString("\nContext:\n")
		keys := make([]string, 0, len(m.Context))
		for k := range m.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, m.Context[k])
		}
	}
	writeList(&b, "Requirements", m.Requirements)
	writeList(&b, "Verifiable outcomes", m.AIVerifiableOutcomes)
	if req.MemoryContext != "" {
		b.WriteString("\n")
		b.WriteString(req.MemoryContext)
	}
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

// ParseResult decodes a model reply. Replies that are not JSON become a
// plain summary with DefaultQuality.
func ParseResult(text string) *orchestrator.Result {
	content := strings.TrimSpace(text)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var res orchestrator.Result
	if err := json.Unmarshal([]byte(content), &res); err != nil {
		return &orchestrator.Result{Summary: firstSentence(content), Quality: DefaultQuality}
	}
	if res.Quality <= 0 || res.Quality > 1 {
		res.Quality = DefaultQuality
	}
	if res.Summary == "" {
		res.Summary = fmt.Sprintf("%d artifacts proposed", len(res.Proposals))
	}
	return &res
}

func firstSentence(content string) string {
	for i, r := range content {
		if i >= 200 {
			return content[:i]
		}
		if (r == '.' || r == '!' || r == '?') && i < len(content)-1 {
			return content[:i+1]
		}
	}
	return content
}
