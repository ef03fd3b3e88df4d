// Package reservation implements the claim patterns agents place on files.
// Matching is deliberately simple: exact path equality, or directory scope
// for patterns with a trailing slash. Patterns are advisory names for intent,
// not globs.
package reservation

import (
	"fmt"
	"strings"
	"time"
)

// Reservation is one claim owned by an agent, persisted inside its
// registration record.
type Reservation struct {
	Pattern   string    `json:"pattern"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validation reports whether a pattern is usable and carries an advisory
// warning for patterns that are legal but broader than the caller may
// realize.
type Validation struct {
	OK      bool
	Warning string
}

// degenerate patterns resolve to the workspace root or above; they match
// every path. Legal, but worth telling the user about.
var degenerate = map[string]bool{
	".":   true,
	"./":  true,
	"/":   true,
	"..":  true,
	"../": true,
}

func Validate(pattern string) Validation {
	trimmed := strings.TrimSpace(pattern)
	if trimmed == "" {
		return Validation{}
	}
	normalized := strings.ReplaceAll(trimmed, "\\", "/")
	if degenerate[normalized] {
		return Validation{OK: true, Warning: "pattern blocks every path in the workspace"}
	}
	if isTopLevelDir(normalized) {
		return Validation{OK: true, Warning: fmt.Sprintf("pattern reserves everything under %s", normalized)}
	}
	return Validation{OK: true}
}

// Matches reports whether path falls inside pattern. A trailing slash makes
// the pattern a directory scope covering the directory itself and everything
// below it, with a path-segment boundary: "src/auth/" covers "src/auth" and
// "src/auth/login.ts" but never "src/authorization/login.ts". Without a
// trailing slash the pattern names exactly one path.
func Matches(pattern, path string) bool {
	trimmedPattern := strings.TrimSpace(pattern)
	candidate := normalize(path)
	if trimmedPattern == "" || candidate == "" {
		return false
	}
	if degenerate[strings.ReplaceAll(trimmedPattern, "\\", "/")] {
		return true
	}

	normalized := normalize(trimmedPattern)
	if strings.HasSuffix(normalized, "/") {
		scope := strings.TrimSuffix(normalized, "/")
		if scope == "" {
			return true
		}
		return candidate == scope || strings.HasPrefix(candidate, scope+"/")
	}
	return candidate == normalized
}

// normalize maps both patterns and candidate paths onto one comparable
// form: forward slashes, no leading "./" or "/". Trailing slashes are
// preserved since they carry meaning.
func normalize(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return strings.TrimPrefix(p, "/")
}

func isTopLevelDir(pattern string) bool {
	if !strings.HasSuffix(pattern, "/") {
		return false
	}
	trimmed := normalize(pattern)
	return strings.Count(trimmed, "/") == 1
}
