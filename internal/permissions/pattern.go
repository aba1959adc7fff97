// Package permissions mediates tool invocations through pattern-based
// rulesets with last-match-wins evaluation, three remember scopes and
// interactive user prompting.
package permissions

import "strings"

// MatchPattern reports whether value matches a category:resource glob.
// `*` matches any sequence including empty, `?` matches exactly one
// character. Matching is case-insensitive.
func MatchPattern(pattern, value string) bool {
	return matchGlob(strings.ToLower(pattern), strings.ToLower(value))
}

func matchGlob(p, s string) bool {
	// Iterative glob with single-star backtracking.
	pi, si := 0, 0
	star, starMatch := -1, 0
	for si < len(s) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == s[si]):
			pi++
			si++
		case pi < len(p) && p[pi] == '*':
			star = pi
			starMatch = si
			pi++
		case star >= 0:
			pi = star + 1
			starMatch++
			si = starMatch
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
