package secrets

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// gitleaksScrubber runs the gitleaks default rule catalogue. Findings are
// redacted wherever their secret value occurs in the content.
type gitleaksScrubber struct {
	config *Config

	// detect.Detector keeps per-scan state; serialize access.
	mu       sync.Mutex
	detector *detect.Detector
}

func newGitleaksScrubber(cfg *Config) (*gitleaksScrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	return &gitleaksScrubber{config: cfg, detector: detector}, nil
}

func (s *gitleaksScrubber) Scrub(content string) *Result {
	start := time.Now()
	result := &Result{Scrubbed: content}

	s.mu.Lock()
	findings := s.detector.DetectString(content)
	s.mu.Unlock()

	var redactions []redaction
	for _, f := range findings {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret == "" || s.config.allowed(secret) {
			continue
		}
		result.add(Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Severity:    "high",
			Line:        f.StartLine,
		})
		for off := 0; ; {
			i := strings.Index(content[off:], secret)
			if i < 0 {
				break
			}
			redactions = append(redactions, redaction{start: off + i, end: off + i + len(secret)})
			off += i + len(secret)
		}
	}

	result.Scrubbed = applyRedactions(content, redactions, s.config.RedactionString)
	result.Duration = time.Since(start)
	return result
}

func (s *gitleaksScrubber) IsEnabled() bool { return true }

var _ Scrubber = (*gitleaksScrubber)(nil)
