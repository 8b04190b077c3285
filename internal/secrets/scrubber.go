// Package secrets redacts credential material from error messages and stack
// metadata before anything downstream sees it. The audit log is append-only,
// so a secret that reaches persistence cannot be removed later; scrubbing
// must happen at the ingestion boundary.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
)

// Rule is one credential detection pattern. Keywords, when present, gate the
// pattern: the rule only runs if at least one keyword appears in the text.
type Rule struct {
	ID       string   `koanf:"id"`
	Pattern  string   `koanf:"pattern"`
	Keywords []string `koanf:"keywords"`
}

// Finding records a redacted span. The matched text is deliberately absent.
type Finding struct {
	RuleID string `json:"rule_id"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// Config controls scrubber construction.
type Config struct {
	// Enabled turns scrubbing off entirely when false (default: true).
	Enabled bool `koanf:"enabled"`
	// Marker replaces each detected secret (default: "[REDACTED]").
	Marker string `koanf:"marker"`
	// Rules defaults to DefaultRules when empty.
	Rules []Rule `koanf:"rules"`
	// AllowPatterns lists regexps whose matches are never redacted, for
	// well-known dummy values in test traffic.
	AllowPatterns []string `koanf:"allow_patterns"`
}

// DefaultConfig enables scrubbing with the standard rule set.
func DefaultConfig() *Config {
	return &Config{Enabled: true, Marker: "[REDACTED]", Rules: DefaultRules()}
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// Scrubber applies an ordered rule set to text.
type Scrubber struct {
	enabled bool
	marker  string
	rules   []compiledRule
	allow   []*regexp.Regexp
}

// New compiles the config into a Scrubber. A nil config means defaults.
func New(cfg *Config) (*Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Scrubber{enabled: cfg.Enabled, marker: cfg.Marker}
	if s.marker == "" {
		s.marker = "[REDACTED]"
	}

	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("secrets rule %d: id is required", i)
		}
		pattern, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("secrets rule %s: %w", r.ID, err)
		}
		cr := compiledRule{id: r.ID, pattern: pattern}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		s.rules = append(s.rules, cr)
	}

	for i, p := range cfg.AllowPatterns {
		compiled, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("secrets allow pattern %d: %w", i, err)
		}
		s.allow = append(s.allow, compiled)
	}
	return s, nil
}

// Scrub replaces every detected secret with the marker and reports what was
// found. Overlapping matches are merged before replacement.
func (s *Scrubber) Scrub(text string) (string, []Finding) {
	if !s.enabled || text == "" {
		return text, nil
	}

	var findings []Finding
	for _, rule := range s.rules {
		if !s.keywordsPresent(rule, text) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(text, -1) {
			if s.allowed(text[m[0]:m[1]]) {
				continue
			}
			findings = append(findings, Finding{RuleID: rule.id, Start: m[0], End: m[1]})
		}
	}
	if len(findings) == 0 {
		return text, nil
	}

	sort.Slice(findings, func(i, j int) bool { return findings[i].Start < findings[j].Start })
	merged := mergeSpans(findings)

	// Replace back to front so earlier offsets stay valid.
	out := text
	for i := len(merged) - 1; i >= 0; i-- {
		out = out[:merged[i].Start] + s.marker + out[merged[i].End:]
	}
	return out, findings
}

func (s *Scrubber) keywordsPresent(rule compiledRule, text string) bool {
	if len(rule.keywords) == 0 {
		return true
	}
	for _, kw := range rule.keywords {
		if kw.MatchString(text) {
			return true
		}
	}
	return false
}

func (s *Scrubber) allowed(match string) bool {
	for _, p := range s.allow {
		if p.MatchString(match) {
			return true
		}
	}
	return false
}

// mergeSpans collapses overlapping findings into disjoint spans. Input must
// be sorted by Start.
func mergeSpans(findings []Finding) []Finding {
	merged := []Finding{findings[0]}
	for _, f := range findings[1:] {
		last := &merged[len(merged)-1]
		if f.Start <= last.End {
			if f.End > last.End {
				last.End = f.End
			}
			continue
		}
		merged = append(merged, f)
	}
	return merged
}
