// Package pathmatch implements glob-style matching of broker routing paths.
//
// Pattern segments: `**` matches zero or more path segments, `*` matches
// exactly one, anything else matches that segment verbatim.
package pathmatch

import "strings"

// Normalize trims leading/trailing separators and collapses runs of `/`.
func Normalize(path string) string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return strings.Join(segs, "/")
}

// Match reports whether pattern matches path. Both sides are normalized
// first; an empty pattern or empty path never matches. Never panics.
func Match(pattern, path string) bool {
	pattern = Normalize(pattern)
	path = Normalize(path)
	if pattern == "" || path == "" {
		return false
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

func matchSegments(pat, segs []string) bool {
	if len(pat) == 0 {
		return len(segs) == 0
	}

	switch pat[0] {
	case "**":
		// Greedy with backtracking: consume zero or more segments.
		for skip := len(segs); skip >= 0; skip-- {
			if matchSegments(pat[1:], segs[skip:]) {
				return true
			}
		}
		return false
	case "*":
		return len(segs) > 0 && matchSegments(pat[1:], segs[1:])
	default:
		return len(segs) > 0 && pat[0] == segs[0] && matchSegments(pat[1:], segs[1:])
	}
}
