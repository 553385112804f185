package data

import "strings"

// IsPattern reports whether p contains a wildcard.
func IsPattern(p string) bool {
	return strings.Contains(p, "*")
}

// MatchPath reports whether path matches pattern. The only wildcard is '*',
// which matches any run of characters including path separators, so "a.*"
// matches both "a.b" and "a.b.c".
func MatchPath(pattern, path string) bool {
	if !IsPattern(pattern) {
		return pattern == path
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(path, parts[0]) {
		return false
	}
	rest := path[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, mid := range parts[1 : len(parts)-1] {
		i := strings.Index(rest, mid)
		if i < 0 {
			return false
		}
		rest = rest[i+len(mid):]
	}
	return strings.HasSuffix(rest, last)
}

// MatchAny reports whether path matches at least one of patterns.
func MatchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if MatchPath(p, path) {
			return true
		}
	}
	return false
}
