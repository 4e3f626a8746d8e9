// Package match implements the subscription pattern-match predicate: does an
// event type satisfy a worker's listen list? See spec §4.2.
package match

import "strings"

// Matches reports whether eventType satisfies any pattern in patterns.
//
//   - "*" always matches.
//   - a pattern ending in ".*" matches when eventType begins with the
//     prefix before the trailing "*".
//   - any other pattern matches only on exact equality.
//
// An empty pattern list matches nothing. ignore_self exclusion is the
// caller's responsibility (spec §4.2 step 5) — Matches is a pure function of
// (eventType, patterns) only.
func Matches(eventType string, patterns []string) bool {
	for _, p := range patterns {
		if matchOne(eventType, p) {
			return true
		}
	}
	return false
}

func matchOne(eventType, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(eventType, prefix)
	}
	return eventType == pattern
}
