package secrets

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Scrubber detects and redacts secrets from content.
type Scrubber interface {
	// Scrub redacts secrets from the content.
	Scrub(content string) *Result

	// Check detects secrets without redacting.
	Check(content string) *Result

	// IsEnabled returns whether scrubbing is enabled.
	IsEnabled() bool
}

// scrubber is the default implementation using regexp patterns.
type scrubber struct {
	config *Config
}

// redaction tracks a span to redact.
type redaction struct {
	start, end int
}

// New creates a Scrubber. A nil config gets DefaultConfig().
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &scrubber{config: cfg}, nil
}

// Scrub redacts secrets from the content.
func (s *scrubber) Scrub(content string) *Result {
	start := time.Now()
	result := &Result{
		Original: content,
		Scrubbed: content,
		Findings: make([]Finding, 0),
		ByRule:   make(map[string]int),
	}

	if !s.config.Enabled {
		result.Duration = time.Since(start)
		return result
	}

	var redactions []redaction
	for _, rule := range s.config.compiledRules {
		if len(rule.keywords) > 0 && !anyKeyword(rule.keywords, content) {
			continue
		}

		for _, match := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.isAllowed(content[match[0]:match[1]]) {
				continue
			}

			result.Findings = append(result.Findings, Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Severity:    rule.Severity,
				StartIndex:  match[0],
				EndIndex:    match[1],
				Line:        strings.Count(content[:match[0]], "\n") + 1,
			})
			result.ByRule[rule.ID]++
			redactions = append(redactions, redaction{start: match[0], end: match[1]})
		}
	}
	result.TotalFindings = len(result.Findings)

	// Rules can overlap; merge spans, then replace back-to-front so earlier
	// offsets stay valid.
	if len(redactions) > 0 {
		sort.Slice(redactions, func(i, j int) bool {
			return redactions[i].start < redactions[j].start
		})
		merged := mergeRedactions(redactions)

		scrubbed := content
		for i := len(merged) - 1; i >= 0; i-- {
			r := merged[i]
			if r.start >= 0 && r.end <= len(scrubbed) && r.start < r.end {
				scrubbed = scrubbed[:r.start] + s.config.RedactionString + scrubbed[r.end:]
			}
		}
		result.Scrubbed = scrubbed
	}

	result.Duration = time.Since(start)
	return result
}

// Check detects secrets without redacting.
func (s *scrubber) Check(content string) *Result {
	result := s.Scrub(content)
	result.Scrubbed = result.Original
	return result
}

// IsEnabled returns whether scrubbing is enabled.
func (s *scrubber) IsEnabled() bool {
	return s.config.Enabled
}

func (s *scrubber) isAllowed(match string) bool {
	for _, pattern := range s.config.compiledAllowList {
		if pattern.MatchString(match) {
			return true
		}
	}
	return false
}

func anyKeyword(keywords []*regexp.Regexp, content string) bool {
	for _, kw := range keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

// mergeRedactions merges overlapping or adjacent spans. Input must be sorted
// by start ascending.
func mergeRedactions(redactions []redaction) []redaction {
	merged := []redaction{redactions[0]}
	for _, curr := range redactions[1:] {
		last := &merged[len(merged)-1]
		if curr.start <= last.end {
			if curr.end > last.end {
				last.end = curr.end
			}
			continue
		}
		merged = append(merged, curr)
	}
	return merged
}

// NoopScrubber does nothing; used when scrubbing is disabled.
type NoopScrubber struct{}

// Scrub returns content unchanged.
func (n *NoopScrubber) Scrub(content string) *Result {
	return &Result{
		Original: content,
		Scrubbed: content,
		Findings: make([]Finding, 0),
		ByRule:   make(map[string]int),
	}
}

// Check returns content unchanged.
func (n *NoopScrubber) Check(content string) *Result {
	return n.Scrub(content)
}

// IsEnabled returns false.
func (n *NoopScrubber) IsEnabled() bool {
	return false
}

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = (*NoopScrubber)(nil)
)
