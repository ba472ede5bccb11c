package secrets

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Scrubber detects and redacts secrets from content. Implementations are
// safe for concurrent use.
type Scrubber interface {
	Scrub(content string) *Result
	IsEnabled() bool
}

// New creates the Scrubber selected by cfg.Engine. A nil cfg uses
// DefaultConfig; a disabled cfg yields a NoopScrubber.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return NoopScrubber{}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scrubber config: %w", err)
	}
	if cfg.Engine == EngineGitleaks {
		return newGitleaksScrubber(cfg)
	}
	return &regexScrubber{config: cfg}, nil
}

// MustNew is like New but panics on error.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// regexScrubber applies compiled Rules; the config is read-only after
// Validate so no locking is needed.
type regexScrubber struct {
	config *Config
}

type redaction struct {
	start, end int
}

func (s *regexScrubber) Scrub(content string) *Result {
	start := time.Now()
	result := &Result{Scrubbed: content}

	var redactions []redaction
	for _, rule := range s.config.compiledRules {
		if len(rule.keywords) > 0 && !anyMatch(rule, content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.config.allowed(content[m[0]:m[1]]) {
				continue
			}
			result.add(Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Severity:    rule.Severity,
				Line:        strings.Count(content[:m[0]], "\n") + 1,
			})
			redactions = append(redactions, redaction{start: m[0], end: m[1]})
		}
	}

	result.Scrubbed = applyRedactions(content, redactions, s.config.RedactionString)
	result.Duration = time.Since(start)
	return result
}

func (s *regexScrubber) IsEnabled() bool { return true }

func anyMatch(rule *compiledRule, content string) bool {
	for _, kw := range rule.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

// applyRedactions replaces every range with replacement. Overlapping or
// adjacent ranges collapse into one.
func applyRedactions(content string, redactions []redaction, replacement string) string {
	if len(redactions) == 0 {
		return content
	}
	sort.Slice(redactions, func(i, j int) bool {
		return redactions[i].start < redactions[j].start
	})
	merged := mergeRedactions(redactions)

	var b strings.Builder
	b.Grow(len(content))
	prev := 0
	for _, r := range merged {
		b.WriteString(content[prev:r.start])
		b.WriteString(replacement)
		prev = r.end
	}
	b.WriteString(content[prev:])
	return b.String()
}

// mergeRedactions expects redactions sorted by start.
func mergeRedactions(redactions []redaction) []redaction {
	merged := []redaction{redactions[0]}
	for _, curr := range redactions[1:] {
		last := &merged[len(merged)-1]
		if curr.start <= last.end {
			last.end = max(last.end, curr.end)
			continue
		}
		merged = append(merged, curr)
	}
	return merged
}

// NoopScrubber returns content unchanged.
type NoopScrubber struct{}

func (NoopScrubber) Scrub(content string) *Result { return &Result{Scrubbed: content} }

func (NoopScrubber) IsEnabled() bool { return false }

var (
	_ Scrubber = (*regexScrubber)(nil)
	_ Scrubber = NoopScrubber{}
)
