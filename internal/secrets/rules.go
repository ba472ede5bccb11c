package secrets

// DefaultRules returns the regex engine's rule set. It covers the
// credentials most likely to show up in agent transcripts and tool output;
// use the gitleaks engine for broader coverage.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "aws-access-key-id",
			Description: "AWS Access Key ID",
			Pattern:     `(A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`,
			Severity:    "high",
		},
		{
			ID:          "aws-secret-access-key",
			Description: "AWS Secret Access Key",
			Pattern:     `(?i)(?:aws_secret_access_key|aws_secret_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`,
			Keywords:    []string{"secret"},
			Severity:    "high",
		},
		{
			ID:          "private-key",
			Description: "Private Key",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP |ENCRYPTED )?PRIVATE KEY(?: BLOCK)?-----[\s\S]*?-----END (?:RSA |DSA |EC |OPENSSH |PGP |ENCRYPTED )?PRIVATE KEY(?: BLOCK)?-----`,
			Keywords:    []string{"private key"},
			Severity:    "high",
		},
		{
			ID:          "github-token",
			Description: "GitHub Token",
			Pattern:     `(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{22,}`,
			Severity:    "high",
		},
		{
			ID:          "gitlab-token",
			Description: "GitLab Personal Access Token",
			Pattern:     `glpat-[A-Za-z0-9_\-]{20,}`,
			Severity:    "high",
		},
		{
			ID:          "slack-token",
			Description: "Slack Token",
			Pattern:     `xox[baprs]-[A-Za-z0-9\-]{10,}`,
			Severity:    "high",
		},
		{
			ID:          "anthropic-api-key",
			Description: "Anthropic API Key",
			Pattern:     `sk-ant-[A-Za-z0-9_\-]{32,}`,
			Severity:    "high",
		},
		{
			ID:          "openai-api-key",
			Description: "OpenAI API Key",
			Pattern:     `sk-(?:proj-)?[A-Za-z0-9_\-]{40,}`,
			Severity:    "high",
		},
		{
			ID:          "stripe-key",
			Description: "Stripe API Key",
			Pattern:     `(?:sk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`,
			Severity:    "high",
		},
		{
			ID:          "database-url",
			Description: "Database URL with credentials",
			Pattern:     `(?i)(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:\s/]+:[^@\s]+@[^\s'"]+`,
			Keywords:    []string{"://"},
			Severity:    "high",
		},
		{
			ID:          "jwt",
			Description: "JSON Web Token",
			Pattern:     `eyJ[A-Za-z0-9_\-]{10,}\.eyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}`,
			Severity:    "medium",
		},
		{
			ID:          "bearer-token",
			Description: "Bearer Token",
			Pattern:     `(?i)bearer\s+[A-Za-z0-9_\-\.=]{20,}`,
			Keywords:    []string{"bearer"},
			Severity:    "medium",
		},
		{
			ID:          "generic-api-key",
			Description: "Generic API Key",
			Pattern:     `(?i)(?:api[_-]?key|apikey|access[_-]?token|auth[_-]?token)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,64}['"]?`,
			Keywords:    []string{"key", "token"},
			Severity:    "high",
		},
		{
			ID:          "generic-secret",
			Description: "Generic Secret",
			Pattern:     `(?i)(?:secret|password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords:    []string{"secret", "pass", "pwd"},
			Severity:    "high",
		},
	}
}
