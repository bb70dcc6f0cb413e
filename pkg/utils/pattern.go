// Package utils provides pattern matching utilities for cache key invalidation.
//
// A key pattern has the same three parts as a cache key, "subject|resource|window",
// and each part is matched independently:
//   - Exact: "alice|email|today" matches one line
//   - Wildcard part: "alice|*|today" matches every resource of alice's today window
//   - Glob inside a part: "alice|calendar|week:2026-*" matches a range of windows
//
// Design Notes:
//   - Exact and match-all parts never touch regexp
//   - Glob parts compile to anchored regexes cached in a sync.Map
package utils

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"assistantsync.app/pkg/models"
)

// regexCache caches compiled part globs. Key: glob, Value: *regexp.Regexp
var regexCache sync.Map

// KeyPattern matches cache keys part by part.
type KeyPattern struct {
	Subject  string
	Resource string
	Window   string
}

// ParseKeyPattern parses "subject|resource|window". Missing trailing parts match anything.
func ParseKeyPattern(pattern string) (KeyPattern, error) {
	if pattern == "" {
		return KeyPattern{}, fmt.Errorf("pattern cannot be empty")
	}
	parts := strings.Split(pattern, "|")
	if len(parts) > 3 {
		return KeyPattern{}, fmt.Errorf("pattern %q has more than 3 parts", pattern)
	}
	for len(parts) < 3 {
		parts = append(parts, "*")
	}
	for _, p := range parts {
		if p == "" {
			return KeyPattern{}, fmt.Errorf("pattern %q has an empty part", pattern)
		}
	}
	return KeyPattern{Subject: parts[0], Resource: parts[1], Window: parts[2]}, nil
}

// String returns the pattern in its textual form.
func (p KeyPattern) String() string {
	return p.Subject + "|" + p.Resource + "|" + p.Window
}

// SubjectOnly reports whether the pattern selects a whole subject.
func (p KeyPattern) SubjectOnly() bool {
	return !hasGlob(p.Subject) && p.Resource == "*" && p.Window == "*"
}

// LiteralSubject reports whether the subject part has no wildcard.
func (p KeyPattern) LiteralSubject() bool {
	return !hasGlob(p.Subject)
}

// Match reports whether key falls under the pattern.
func (p KeyPattern) Match(key models.CacheKey) (bool, error) {
	for _, pair := range [3][2]string{
		{p.Subject, key.Subject},
		{p.Resource, string(key.Resource)},
		{p.Window, string(key.Window)},
	} {
		ok, err := matchPart(pair[0], pair[1])
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// FilterKeys returns the keys that match the pattern.
// Complexity: O(n) in len(keys).
func FilterKeys(p KeyPattern, keys []models.CacheKey) ([]models.CacheKey, error) {
	out := make([]models.CacheKey, 0, len(keys)/4)
	for _, k := range keys {
		ok, err := p.Match(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func matchPart(glob, value string) (bool, error) {
	if glob == "*" {
		return true, nil
	}
	if !hasGlob(glob) {
		return glob == value, nil
	}
	// Fast path: single trailing star
	if strings.HasSuffix(glob, "*") && !hasGlob(glob[:len(glob)-1]) {
		return strings.HasPrefix(value, glob[:len(glob)-1]), nil
	}

	var re *regexp.Regexp
	if cached, ok := regexCache.Load(glob); ok {
		re = cached.(*regexp.Regexp)
	} else {
		compiled, err := regexp.Compile("^" + globToRegex(glob) + "$")
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", glob, err)
		}
		regexCache.Store(glob, compiled)
		re = compiled
	}
	return re.MatchString(value), nil
}

func hasGlob(s string) bool {
	return strings.ContainsAny(s, "*?")
}

// globToRegex converts a glob to a regex body: * is any run, ? is one char.
func globToRegex(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) * 2)
	for i := 0; i < len(pattern); i++ {
		switch ch := pattern[i]; ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	return b.String()
}

// RegexCacheSize returns the number of compiled globs.
func RegexCacheSize() int {
	n := 0
	regexCache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
