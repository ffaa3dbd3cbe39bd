package secrets

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Config configures the scrubber.
type Config struct {
	// Enabled controls whether scrubbing is active.
	Enabled bool `koanf:"enabled"`

	// Rules defines the detection rules.
	Rules []Rule `koanf:"rules"`

	// RedactionString replaces detected secrets (default: "[REDACTED]").
	RedactionString string `koanf:"redaction_string"`

	// AllowList contains patterns whose matches are never redacted.
	AllowList []string `koanf:"allow_list"`

	compiledRules     []*compiledRule
	compiledAllowList []*regexp.Regexp
}

// Rule defines a secret detection rule.
type Rule struct {
	// ID is the unique identifier for this rule.
	ID string `koanf:"id" toml:"id"`

	// Description explains what this rule detects.
	Description string `koanf:"description" toml:"description"`

	// Pattern is the regex matched against content.
	Pattern string `koanf:"pattern" toml:"pattern"`

	// Keywords gate the rule: when set, at least one must appear in the
	// content before the pattern is tried.
	Keywords []string `koanf:"keywords" toml:"keywords"`

	// Severity is high, medium or low.
	Severity string `koanf:"severity" toml:"severity"`
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// rulesFile is the on-disk extra-rules layout: [[rules]] blocks add
// detection rules, [allowlist] regexes suppress matches.
type rulesFile struct {
	Rules     []Rule `toml:"rules"`
	Allowlist struct {
		Regexes []string `toml:"regexes"`
	} `toml:"allowlist"`
}

// DefaultConfig returns a configuration with the standard rule set.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		RedactionString: "[REDACTED]",
		Rules:           DefaultRules(),
		AllowList:       []string{},
	}
}

// LoadRulesFile merges extra rules and allowlist patterns from a TOML file.
// A missing file is silently ignored; malformed TOML is an error.
func (c *Config) LoadRulesFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat rules file %s: %w", path, err)
	}

	var rf rulesFile
	if _, err := toml.DecodeFile(path, &rf); err != nil {
		return fmt.Errorf("parse rules file %s: %w", path, err)
	}
	c.Rules = append(c.Rules, rf.Rules...)
	c.AllowList = append(c.AllowList, rf.Allowlist.Regexes...)
	return nil
}

// Validate compiles every rule pattern, keyword and allowlist entry.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RedactionString == "" {
		c.RedactionString = "[REDACTED]"
	}

	c.compiledRules = make([]*compiledRule, 0, len(c.Rules))
	for i, rule := range c.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: ID is required", i)
		}
		if rule.Pattern == "" {
			return fmt.Errorf("rule %s: pattern is required", rule.ID)
		}

		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}

		compiled := &compiledRule{
			Rule:     rule,
			pattern:  pattern,
			keywords: make([]*regexp.Regexp, 0, len(rule.Keywords)),
		}
		for _, kw := range rule.Keywords {
			kwPattern, err := regexp.Compile("(?i)" + regexp.QuoteMeta(kw))
			if err != nil {
				return fmt.Errorf("rule %s: invalid keyword %q: %w", rule.ID, kw, err)
			}
			compiled.keywords = append(compiled.keywords, kwPattern)
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
