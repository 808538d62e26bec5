package routing

import "strings"

// PathPattern is a path template with {name} parameter segments. A parameter
// matches exactly one non-empty segment; nothing spans segment boundaries.
type PathPattern struct {
	raw      string
	segments []string
}

// parsePathPattern reports ok only for rooted templates that actually carry a
// parameter; plain paths stay in the exact-match table.
func parsePathPattern(raw string) (PathPattern, bool) {
	if !strings.HasPrefix(raw, "/") || !strings.Contains(raw, "{") {
		return PathPattern{}, false
	}

	segs := splitPathSegments(raw)
	for _, seg := range segs {
		switch {
		case seg == "":
			return PathPattern{}, false
		case isParamSegment(seg):
		case strings.ContainsAny(seg, "{}"):
			// Braces only make sense as a whole-segment parameter.
			return PathPattern{}, false
		}
	}
	return PathPattern{raw: raw, segments: segs}, true
}

func (p PathPattern) Match(path string) bool {
	if p.raw == "" {
		return false
	}
	got := splitPathSegments(path)
	if len(got) != len(p.segments) {
		return false
	}
	for i, want := range p.segments {
		if got[i] == "" {
			return false
		}
		if !isParamSegment(want) && got[i] != want {
			return false
		}
	}
	return true
}

func splitPathSegments(path string) []string {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func isParamSegment(s string) bool {
	return len(s) > 2 && s[0] == '{' && s[len(s)-1] == '}'
}
