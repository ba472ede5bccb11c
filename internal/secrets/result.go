package secrets

import "time"

// Result contains the scrubbing result.
type Result struct {
	// Scrubbed is the content with secrets redacted
	Scrubbed string `json:"scrubbed"`

	// Findings never carry the matched secret itself
	Findings []Finding `json:"findings,omitempty"`

	Duration time.Duration  `json:"duration"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
}

// Finding represents a detected secret.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty"`
	Line        int    `json:"line,omitempty"`
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the distinct rule IDs that matched, in first-seen order.
func (r *Result) RuleIDs() []string {
	seen := make(map[string]bool, len(r.ByRule))
	ids := make([]string, 0, len(r.ByRule))
	for _, f := range r.Findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	return ids
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if r.ByRule == nil {
		r.ByRule = make(map[string]int)
	}
	r.ByRule[f.RuleID]++
}
