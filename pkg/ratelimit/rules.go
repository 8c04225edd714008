// Package ratelimit evaluates sustained and burst quotas per
// (api key, endpoint rule) pair using fixed windows.
package ratelimit

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRuleKey is the fallback rule that always exists.
const DefaultRuleKey = "default"

// Quota is a request ceiling over a fixed window.
type Quota struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// UnmarshalYAML accepts windows in time.ParseDuration notation ("1m", "1h").
func (q *Quota) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxRequests int    `yaml:"max_requests"`
		Window      string `yaml:"window"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	q.MaxRequests = raw.MaxRequests
	if raw.Window != "" {
		window, err := time.ParseDuration(raw.Window)
		if err != nil {
			return fmt.Errorf("invalid window %q: %w", raw.Window, err)
		}
		q.Window = window
	}
	return nil
}

// Rule is an endpoint rate limit keyed by "METHOD /normalized/path".
// Path segments holding numeric or opaque IDs are written as "*".
type Rule struct {
	Key       string `yaml:"key"`
	Sustained Quota  `yaml:"sustained"`
	Burst     *Quota `yaml:"burst,omitempty"`
}

// DefaultRule is used when no endpoint rule matches.
func DefaultRule() *Rule {
	return &Rule{
		Key:       DefaultRuleKey,
		Sustained: Quota{MaxRequests: 1000, Window: time.Hour},
		Burst:     &Quota{MaxRequests: 100, Window: time.Minute},
	}
}

// Rules holds the rule table. Reads outnumber writes by orders of magnitude
// (every request resolves a rule, rules change on config reload), so the
// table is guarded by an RWMutex and replaced wholesale on reload.
type Rules struct {
	mu    sync.RWMutex
	exact map[string]*Rule
	def   *Rule
}

// NewRules builds a rule table. A default rule is synthesized if the input
// does not carry one.
func NewRules(rules []*Rule) (*Rules, error) {
	r := &Rules{
		exact: make(map[string]*Rule, len(rules)),
		def:   DefaultRule(),
	}
	for _, rule := range rules {
		if err := validateRule(rule); err != nil {
			return nil, err
		}
		if rule.Key == DefaultRuleKey {
			r.def = rule
			continue
		}
		r.exact[rule.Key] = rule
	}
	return r, nil
}

func validateRule(rule *Rule) error {
	if rule.Key == "" {
		return fmt.Errorf("rule key is required")
	}
	if rule.Sustained.MaxRequests <= 0 || rule.Sustained.Window <= 0 {
		return fmt.Errorf("rule %q: sustained quota must be positive", rule.Key)
	}
	if rule.Burst != nil && (rule.Burst.MaxRequests <= 0 || rule.Burst.Window <= 0) {
		return fmt.Errorf("rule %q: burst quota must be positive", rule.Key)
	}
	return nil
}

// Resolve finds the rule for (method, path): exact match on the normalized
// path first, then single-segment wildcard patterns, else the default rule.
func (r *Rules) Resolve(method, path string) *Rule {
	normalized := NormalizePath(path)
	key := strings.ToUpper(method) + " " + normalized

	r.mu.RLock()
	defer r.mu.RUnlock()

	if rule, ok := r.exact[key]; ok {
		return rule
	}
	for _, rule := range r.exact {
		if patternMatches(rule.Key, key) {
			return rule
		}
	}
	return r.def
}

// Replace swaps the whole rule table, used by the config reloader.
func (r *Rules) Replace(rules []*Rule) error {
	next, err := NewRules(rules)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.exact = next.exact
	r.def = next.def
	r.mu.Unlock()
	return nil
}

var opaqueSegment = regexp.MustCompile(`^(\d+|[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}|[0-9a-fA-F]{16,})$`)

// NormalizePath rewrites ID-shaped path segments (numeric, UUID, long hex)
// to "*" so counters aggregate per endpoint instead of per entity.
func NormalizePath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		if opaqueSegment.MatchString(s) {
			segments[i] = "*"
		}
	}
	return "/" + strings.Join(segments, "/")
}

// patternMatches reports whether a rule key with "*" segments matches the
// request key. A "*" matches exactly one path segment.
func patternMatches(pattern, key string) bool {
	patternParts := strings.Split(pattern, "/")
	keyParts := strings.Split(key, "/")
	if len(patternParts) != len(keyParts) {
		return false
	}
	for i := range patternParts {
		if patternParts[i] == "*" {
			continue
		}
		if patternParts[i] != keyParts[i] {
			return false
		}
	}
	return true
}

// rulesFile is the YAML document shape for rule configuration.
type rulesFile struct {
	Rules []*Rule `yaml:"rules"`
}

// LoadRulesFile reads a YAML rule table from disk.
func LoadRulesFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var doc rulesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	for _, rule := range doc.Rules {
		if err := validateRule(rule); err != nil {
			return nil, err
		}
	}
	return doc.Rules, nil
}
