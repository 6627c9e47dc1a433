package events

import "strings"

// MatchesPattern checks if a subject matches a wildcard pattern.
// "mds.crud.*" matches "mds.crud.Book.CREATE"; "*" matches everything.
func MatchesPattern(subject, pattern string) bool {
	if pattern == "*" || pattern == ">" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")

	for i, pp := range patternParts {
		if pp == "*" {
			// Wildcard matches the rest
			return true
		}
		if i >= len(subjectParts) || pp != subjectParts[i] {
			return false
		}
	}

	return len(patternParts) == len(subjectParts)
}

// normalizeSubject converts a subject to a stream-safe name.
func normalizeSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "-")
}

// patternToRegex converts a wildcard pattern to an event type regex.
func patternToRegex(pattern string) string {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '.':
			b.WriteString(`\.`)
		case '*':
			b.WriteString(".*")
			return b.String()
		default:
			b.WriteByte(pattern[i])
		}
	}
	b.WriteByte('$')
	return b.String()
}

// patternToNATS converts a wildcard pattern to a NATS subject filter.
func patternToNATS(prefix, pattern string) string {
	if pattern == "*" || pattern == ">" {
		return prefix + ".>"
	}
	if idx := strings.Index(pattern, "*"); idx >= 0 {
		return prefix + "." + pattern[:idx] + ">"
	}
	return prefix + "." + pattern
}
