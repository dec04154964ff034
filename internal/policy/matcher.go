package policy

import (
	"regexp"
	"strings"
	"sync"
)

// Matcher matches tool names against exact names and "*" wildcards.
// Compiled wildcards are cached.
type Matcher struct {
	cache sync.Map // pattern -> *regexp.Regexp
}

// NewMatcher creates a matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// MatchTool reports whether toolName matches any pattern. Matching is case
// insensitive. Group references must be expanded first.
func (m *Matcher) MatchTool(toolName string, patterns []string) bool {
	name := NormalizeName(toolName)
	for _, pattern := range patterns {
		p := NormalizeName(pattern)
		if p == name {
			return true
		}
		if strings.Contains(p, "*") && m.wildcard(p).MatchString(name) {
			return true
		}
	}
	return false
}

func (m *Matcher) wildcard(pattern string) *regexp.Regexp {
	if cached, ok := m.cache.Load(pattern); ok {
		return cached.(*regexp.Regexp)
	}
	// QuoteMeta leaves nothing special but the escaped stars, so this always compiles.
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `.*`) + "$"
	re := regexp.MustCompile(expr)
	m.cache.Store(pattern, re)
	return re
}
