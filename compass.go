package sodarelay

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

const (
	MatchHost = "host"
	MatchURL  = "url"
)

// Rule is a single scope rule: a compiled pattern and what part of the source URL it is
// matched against.
type Rule struct {
	Pattern   *regexp.Regexp
	MatchType string // MatchHost or MatchURL
}

// Scope decides which source pages the relay accepts. Exclude rules win over include
// rules, and DefaultAllow applies when nothing matches.
//
// Scope is safe for concurrent use.
type Scope struct {
	mu           sync.RWMutex
	IncludeRules map[string]Rule // key format: "pattern|matchType"
	ExcludeRules map[string]Rule // key format: "pattern|matchType"
	DefaultAllow bool
}

// NewScope creates a Scope with no rules.
func NewScope(defaultAllow bool) *Scope {
	return &Scope{
		IncludeRules: make(map[string]Rule),
		ExcludeRules: make(map[string]Rule),
		DefaultAllow: defaultAllow,
	}
}

// NewScopeFromConfig builds a host scope from cfg. A non-empty allow list turns the default
// into deny.
func NewScopeFromConfig(cfg ScopeConfig) (*Scope, error) {
	scope := NewScope(len(cfg.Allow) == 0)
	for _, pattern := range cfg.Allow {
		if err := scope.AddRule(pattern, MatchHost, false); err != nil {
			return nil, fmt.Errorf("adding allow rule %q : %w", pattern, err)
		}
	}
	for _, pattern := range cfg.Deny {
		if err := scope.AddRule(pattern, MatchHost, true); err != nil {
			return nil, fmt.Errorf("adding deny rule %q : %w", pattern, err)
		}
	}
	return scope, nil
}

// MatchesString reports whether input is in scope for rules of matchType.
func (s *Scope) MatchesString(input string, matchType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matchType = strings.ToLower(matchType)
	if matchType != MatchHost && matchType != MatchURL {
		return s.DefaultAllow
	}

	for _, rule := range s.ExcludeRules {
		if rule.MatchType == matchType && rule.Pattern.MatchString(input) {
			return false
		}
	}

	for _, rule := range s.IncludeRules {
		if rule.MatchType == matchType && rule.Pattern.MatchString(input) {
			return true
		}
	}

	return s.DefaultAllow
}

// Matches reports whether a source URL is in scope, checking host rules against the
// lowercased hostname and url rules against the full URL.
func (s *Scope) Matches(sourceURL *url.URL) bool {
	if sourceURL == nil {
		return false
	}
	host := strings.ToLower(sourceURL.Hostname())
	full := sourceURL.String()

	s.mu.RLock()
	defer s.mu.RUnlock()

	target := func(rule Rule) string {
		if rule.MatchType == MatchURL {
			return full
		}
		return host
	}

	for _, rule := range s.ExcludeRules {
		if rule.Pattern.MatchString(target(rule)) {
			return false
		}
	}

	for _, rule := range s.IncludeRules {
		if rule.Pattern.MatchString(target(rule)) {
			return true
		}
	}

	return s.DefaultAllow
}

// ClearRules removes every rule.
func (s *Scope) ClearRules() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IncludeRules = make(map[string]Rule)
	s.ExcludeRules = make(map[string]Rule)
}

// AddRule compiles pattern and adds it as an include or exclude rule. A leading "-" on the
// pattern is ignored, so "-evil\.com" and "evil\.com" are the same exclude rule.
func (s *Scope) AddRule(pattern, matchType string, exclude bool) error {
	matchType = strings.ToLower(matchType)
	if matchType != MatchHost && matchType != MatchURL {
		return fmt.Errorf("invalid match type: %s", matchType)
	}

	compiled, err := regexp.Compile(strings.TrimPrefix(pattern, "-"))
	if err != nil {
		return fmt.Errorf("invalid regex pattern: %w", err)
	}
	rule := Rule{
		Pattern:   compiled,
		MatchType: matchType,
	}
	key := fmt.Sprintf("%s|%s", compiled.String(), matchType)

	s.mu.Lock()
	defer s.mu.Unlock()

	rules := s.IncludeRules
	if exclude {
		rules = s.ExcludeRules
	}
	if _, exists := rules[key]; exists {
		return fmt.Errorf("rule already exists")
	}
	rules[key] = rule
	return nil
}

// RemoveRule removes a rule added with AddRule.
func (s *Scope) RemoveRule(pattern, matchType string, exclude bool) error {
	key := fmt.Sprintf("%s|%s", strings.TrimPrefix(pattern, "-"), strings.ToLower(matchType))

	s.mu.Lock()
	defer s.mu.Unlock()

	rules := s.IncludeRules
	if exclude {
		rules = s.ExcludeRules
	}
	if _, exists := rules[key]; !exists {
		return fmt.Errorf("rule not found")
	}
	delete(rules, key)
	return nil
}
