package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

// Finding is one detected secret. The secret value itself is not kept.
type Finding struct {
	RuleID   string `json:"rule_id"`
	RuleDesc string `json:"rule_desc"`
	Line     int    `json:"line"`
	Length   int    `json:"length"`
}

// Summary counts findings per rule.
type Summary struct {
	Total      int            `json:"total"`
	RuleCounts map[string]int `json:"rule_counts,omitempty"`
}

// Summarize aggregates findings.
func Summarize(findings []Finding) Summary {
	s := Summary{Total: len(findings)}
	if len(findings) > 0 {
		s.RuleCounts = make(map[string]int)
		for _, f := range findings {
			s.RuleCounts[f.RuleID]++
		}
	}
	return s
}

// Redactor replaces detected secrets with [REDACTED:<rule id>] markers,
// which keep the semantic hint for embeddings while dropping the value.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
	logger   *zap.Logger
}

// NewRedactor builds a redactor on the default Gitleaks rules plus
// allowlist. allowlist may be nil.
func NewRedactor(allowlist *Allowlist, logger *zap.Logger) (*Redactor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if allowlist != nil {
		if err := applyAllowlist(&d.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &Redactor{detector: d, logger: logger.Named("secrets")}, nil
}

func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	if len(allowlist.Regexes) == 0 && len(allowlist.StopWords) == 0 {
		return nil
	}
	global := &gitleaksConfig.Allowlist{
		Description: "indexd allowlist",
		StopWords:   allowlist.StopWords,
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: '%s': %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}

// Redact returns text with every detected secret replaced, and what was
// found.
func (r *Redactor) Redact(text string) (string, []Finding) {
	r.mu.Lock()
	found := r.detector.DetectString(text)
	r.mu.Unlock()

	if len(found) == 0 {
		return text, nil
	}

	findings := make([]Finding, 0, len(found))
	type replacement struct{ secret, marker string }
	var repl []replacement
	for _, f := range found {
		findings = append(findings, Finding{
			RuleID:   f.RuleID,
			RuleDesc: f.Description,
			Line:     f.StartLine,
			Length:   len(f.Secret),
		})
		if f.Secret != "" {
			repl = append(repl, replacement{f.Secret, "[REDACTED:" + f.RuleID + "]"})
		}
	}

	// Longest first, so a secret containing another is replaced whole.
	sort.SliceStable(repl, func(i, j int) bool {
		return len(repl[i].secret) > len(repl[j].secret)
	})
	for _, rp := range repl {
		text = strings.ReplaceAll(text, rp.secret, rp.marker)
	}

	r.logger.Debug("secrets redacted", zap.Int("count", len(findings)))
	return text, findings
}
