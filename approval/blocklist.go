package approval

import (
	"regexp"
	"strings"
	"sync"
)

type pattern struct {
	re    *regexp.Regexp
	raw   string
	lower string
}

func compilePattern(raw string) pattern {
	p := pattern{raw: raw, lower: strings.ToLower(raw)}
	if re, err := regexp.Compile(raw); err == nil {
		p.re = re
	}
	return p
}

func (p pattern) match(s string) bool {
	if p.re != nil {
		return p.re.MatchString(s)
	}
	return strings.Contains(strings.ToLower(s), p.lower)
}

// Blocklist is an ordered set of command patterns that are refused without
// prompting. A pattern is a regular expression; patterns that do not compile
// match as case-insensitive substrings. A Blocklist is shared by all
// conversations and is safe for concurrent use.
type Blocklist struct {
	mu       sync.RWMutex
	patterns []pattern
}

// NewBlocklist compiles patterns. Empty patterns are ignored.
func NewBlocklist(patterns []string) *Blocklist {
	b := &Blocklist{}
	b.Replace(patterns)
	return b
}

// Replace swaps the pattern set.
func (b *Blocklist) Replace(patterns []string) {
	compiled := make([]pattern, 0, len(patterns))
	for _, raw := range patterns {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		compiled = append(compiled, compilePattern(raw))
	}
	b.mu.Lock()
	b.patterns = compiled
	b.mu.Unlock()
}

// Patterns returns the current pattern strings in order.
func (b *Blocklist) Patterns() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.patterns))
	for i, p := range b.patterns {
		out[i] = p.raw
	}
	return out
}

// Match returns the first pattern matching s.
func (b *Blocklist) Match(s string) (string, bool) {
	if b == nil || s == "" {
		return "", false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.patterns {
		if p.match(s) {
			return p.raw, true
		}
	}
	return "", false
}

// Check evaluates a tool invocation. Only inputs that carry a shell command
// are matched.
func (b *Blocklist) Check(input map[string]interface{}) (string, bool) {
	cmd, _ := input["command"].(string)
	return b.Match(cmd)
}
