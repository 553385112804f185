// Package logical builds operator trees for literal path queries, writes,
// and folded queries. It is the small static planner shared by the engine's
// callers and by folded replanning.
package logical

import (
	"sort"
	"strings"

	"github.com/hanpama/polystore/internal/meta"
)

// MergeAndSortPaths deduplicates paths, drops literal paths already covered
// by a pattern's prefix, and sorts the rest. A bare "*" absorbs everything.
func MergeAndSortPaths(paths []string) []string {
	for _, p := range paths {
		if p == "*" {
			return []string{"*"}
		}
	}
	var prefixes []string
	for _, p := range paths {
		if i := strings.IndexByte(p, '*'); i >= 0 {
			prefixes = append(prefixes, p[:i])
		}
	}
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		if !strings.Contains(p, "*") && coveredBy(p, prefixes) {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func coveredBy(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// pathMatchPrefix selects the paths a dummy fragment can answer and strips
// the schema prefix from them.
func pathMatchPrefix(paths []string, ci meta.ColumnsInterval, prefix string) []string {
	var out []string
	for _, p := range paths {
		if p == "*" || p == "*.*" {
			out = append(out, p)
			continue
		}
		stripped := p
		switch {
		case prefix == "":
		case strings.HasPrefix(p, prefix+"."):
			stripped = p[len(prefix)+1:]
		case strings.HasPrefix(p, "*."):
			stripped = p[2:]
		default:
			continue
		}
		if ci.Contains(p) {
			out = append(out, stripped)
		}
	}
	return out
}
