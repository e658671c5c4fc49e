package topic

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidPattern = errors.New("invalid wildcard pattern")

// Matcher is a compiled, anchored wildcard pattern over identifiers.
type Matcher struct {
	pattern string
	all     bool
	re      *regexp.Regexp
}

// CompileID compiles a pattern written with '.' separators. '#' matches the
// parent level and everything below and must be the last segment; '+' matches
// exactly one level and must fill a whole segment.
func CompileID(pattern string) (*Matcher, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if pattern == "#" {
		return &Matcher{pattern: pattern, all: true}, nil
	}

	segments := strings.Split(pattern, IDSeparator)
	parts := make([]string, 0, len(segments))
	multi := false
	for i, seg := range segments {
		switch {
		case seg == "#":
			if i != len(segments)-1 {
				return nil, fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidPattern, pattern)
			}
			multi = true
		case seg == "+":
			parts = append(parts, `[^.]*`)
		case strings.ContainsAny(seg, "#+"):
			return nil, fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidPattern, pattern)
		default:
			parts = append(parts, regexp.QuoteMeta(seg))
		}
	}

	expr := "^" + strings.Join(parts, `\.`)
	if multi {
		expr += `(\..*)?`
	}
	expr += "$"

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return &Matcher{pattern: pattern, re: re}, nil
}

func (m *Matcher) Match(id string) bool {
	if m.all {
		return true
	}
	return m.re.MatchString(id)
}

// MatchesAll reports whether the matcher is a bare '#'.
func (m *Matcher) MatchesAll() bool {
	return m.all
}

// LiteralPrefix is the identifier prefix every match shares, useful for
// narrowing store listings.
func (m *Matcher) LiteralPrefix() string {
	if m.all {
		return ""
	}
	var prefix []string
	for _, seg := range strings.Split(m.pattern, IDSeparator) {
		if seg == "#" || seg == "+" {
			break
		}
		prefix = append(prefix, seg)
	}
	return strings.Join(prefix, IDSeparator)
}

func (m *Matcher) String() string {
	return m.pattern
}
