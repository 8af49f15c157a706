// Package pattern implements segment-wise glob matching for event topics
// (dot-separated) and fact keys (colon-separated).
//
// Semantics: a bare "*" matches everything. A terminal "*" segment matches
// the whole remainder, which must be at least one segment, so "a.*" matches
// "a.x" and "a.x.y" but not "a". A non-terminal "*" matches exactly one
// segment. Segments may themselves contain globs ("ord-*").
package pattern

import (
	"strings"
	"sync"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
)

// Pattern is a compiled segment pattern.
type Pattern struct {
	raw  string
	sep  string
	segs []string
	any  bool // raw == "*"
}

var (
	cacheMu sync.RWMutex
	cache   = make(map[string]*Pattern)
)

// CompileTopic compiles a dot-separated topic pattern. Compiled patterns
// are cached by raw text.
func CompileTopic(raw string) *Pattern { return compile(raw, ".") }

// CompileKey compiles a colon-separated fact-key pattern.
func CompileKey(raw string) *Pattern { return compile(raw, ":") }

func compile(raw, sep string) *Pattern {
	cacheKey := sep + "\x00" + raw
	cacheMu.RLock()
	p, ok := cache[cacheKey]
	cacheMu.RUnlock()
	if ok {
		return p
	}

	p = &Pattern{
		raw: raw,
		sep: sep,
		any: raw == "*",
	}
	if !p.any {
		p.segs = strings.Split(raw, sep)
	}

	cacheMu.Lock()
	cache[cacheKey] = p
	cacheMu.Unlock()
	return p
}

// Match reports whether the subject matches the pattern.
func (p *Pattern) Match(subject string) bool {
	if p.any {
		return true
	}
	target := strings.Split(subject, p.sep)
	for i, seg := range p.segs {
		if seg == "*" && i == len(p.segs)-1 {
			// Terminal wildcard consumes the remainder, at least one segment.
			return len(target) > i
		}
		if i >= len(target) {
			return false
		}
		if !wildcard.Match(seg, target[i]) {
			return false
		}
	}
	return len(target) == len(p.segs)
}

// String returns the raw pattern text.
func (p *Pattern) String() string { return p.raw }

// IsLiteral reports whether the pattern contains no glob characters, so it
// can only match itself.
func (p *Pattern) IsLiteral() bool {
	return !p.any && !strings.Contains(p.raw, "*") && !strings.Contains(p.raw, "?")
}

// MatchTopic matches a dotted topic against a topic pattern.
func MatchTopic(patternRaw, topic string) bool {
	return CompileTopic(patternRaw).Match(topic)
}

// MatchKey matches a colon-delimited fact key against a key pattern.
func MatchKey(patternRaw, key string) bool {
	return CompileKey(patternRaw).Match(key)
}
