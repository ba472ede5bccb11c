package secrets

import (
	"fmt"
	"regexp"
)

// Engines.
const (
	EngineRegex    = "regex"
	EngineGitleaks = "gitleaks"
)

// DefaultRedaction replaces every detected secret.
const DefaultRedaction = "[REDACTED]"

// Config configures a Scrubber.
type Config struct {
	Enabled bool

	// Engine is EngineRegex (default) or EngineGitleaks.
	Engine string

	// Rules apply to the regex engine only.
	Rules []Rule

	RedactionString string

	// AllowList patterns exempt matching secrets in both engines.
	AllowList []string

	compiledRules     []*compiledRule
	compiledAllowList []*regexp.Regexp
}

// Rule defines a secret detection rule for the regex engine.
type Rule struct {
	ID          string
	Description string
	Pattern     string
	// Keywords gate the rule: when set, at least one must appear
	// (case-insensitively) before the pattern is evaluated.
	Keywords []string
	Severity string
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// DefaultConfig returns an enabled regex configuration with DefaultRules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		Engine:          EngineRegex,
		Rules:           DefaultRules(),
		RedactionString: DefaultRedaction,
	}
}

// Validate fills defaults and compiles rules and allow list patterns.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RedactionString == "" {
		c.RedactionString = DefaultRedaction
	}
	switch c.Engine {
	case "":
		c.Engine = EngineRegex
	case EngineRegex, EngineGitleaks:
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}

	c.compiledRules = make([]*compiledRule, 0, len(c.Rules))
	for i, rule := range c.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: ID is required", i)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil || rule.Pattern == "" {
			return fmt.Errorf("rule %s: invalid pattern: %v", rule.ID, err)
		}
		compiled := &compiledRule{Rule: rule, pattern: pattern}
		for _, kw := range rule.Keywords {
			compiled.keywords = append(compiled.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		c.compiledRules = append(c.compiledRules, compiled)
	}

	c.compiledAllowList = make([]*regexp.Regexp, 0, len(c.AllowList))
	for i, pattern := range c.AllowList {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		c.compiledAllowList = append(c.compiledAllowList, compiled)
	}
	return nil
}

func (c *Config) allowed(match string) bool {
	for _, re := range c.compiledAllowList {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
