// Package pattern implements Happen's pattern-indexed event dispatch:
// compiling dotted/wildcard/alternatives/predicate patterns into
// matchers, indexing registrations for fast lookup, and caching match
// results when it is safe to do so (spec §4.1).
package pattern

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrPatternSyntax is returned when a pattern fails to compile — an
// unbalanced or empty alternatives group, for example (spec §7,
// PatternSyntax).
var ErrPatternSyntax = errors.New("pattern: syntax error")

// Predicate is a function-form pattern: it receives the event's type and,
// when available, the event value itself (typed as `any` here to avoid a
// dependency cycle with the event package — the node package passes an
// event.Event value).
type Predicate func(eventType string, event any) bool

// Matcher is a compiled pattern: a predicate the engine can evaluate
// against an event type (and, for function patterns, the event value).
type Matcher struct {
	// raw is the original pattern string, empty for function patterns.
	raw string
	// exact holds the literal type this pattern matches, set only when
	// the pattern has no metacharacters — this lets the engine route it
	// to the O(1) exact-match bucket instead of the scanned list.
	exact string
	// isPredicate is true for function-form patterns. These can inspect
	// the event value and therefore disable the lookup cache (spec §4.1,
	// "Open question").
	isPredicate bool
	re          *regexp.Regexp
	predicate   Predicate
}

// IsPredicate reports whether m is a function-form pattern.
func (m Matcher) IsPredicate() bool { return m.isPredicate }

// ExactType returns (type, true) when m matches exactly one literal type.
func (m Matcher) ExactType() (string, bool) {
	if m.exact != "" {
		return m.exact, true
	}
	return "", false
}

// Match reports whether m matches an event of the given type. event is
// passed through to predicate patterns only.
func (m Matcher) Match(eventType string, event any) bool {
	switch {
	case m.isPredicate:
		return m.predicate(eventType, event)
	case m.exact != "":
		return m.exact == eventType
	case m.re != nil:
		return m.re.MatchString(eventType)
	default:
		return false
	}
}

// CompilePredicate wraps a Predicate as a Matcher, bypassing string
// compilation entirely.
func CompilePredicate(p Predicate) Matcher {
	return Matcher{isPredicate: true, predicate: p}
}

// Compile lowers a string pattern into a Matcher per spec §4.1:
//   - no metacharacters        → exact equality
//   - contains '*'             → anchored regex, '*' maps to [^.]* (intra-segment)
//   - contains '{a,b,...}'     → brace group expands to (a|b|...)
//   - both                     → combined
func Compile(pat string) (Matcher, error) {
	if pat == "" {
		return Matcher{}, fmt.Errorf("%w: empty pattern", ErrPatternSyntax)
	}
	if !strings.ContainsAny(pat, "*{}") {
		return Matcher{raw: pat, exact: pat}, nil
	}

	expanded, err := expandBraces(pat)
	if err != nil {
		return Matcher{}, err
	}

	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(expanded); i++ {
		c := expanded[i]
		switch c {
		case '*':
			b.WriteString(`[^.]*`)
		case '.':
			b.WriteString(`\.`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('$')

	re, err := regexp.Compile(b.String())
	if err != nil {
		return Matcher{}, fmt.Errorf("%w: %v", ErrPatternSyntax, err)
	}
	return Matcher{raw: pat, re: re}, nil
}

// expandBraces rewrites a single `{a,b,c}` alternatives group (if any)
// into a regex-compatible `(a|b|c)` group. Brace groups must be balanced
// and non-empty; anything else is PatternSyntax.
func expandBraces(pat string) (string, error) {
	open := strings.IndexByte(pat, '{')
	if open == -1 {
		if strings.ContainsRune(pat, '}') {
			return "", fmt.Errorf("%w: unbalanced '}' in %q", ErrPatternSyntax, pat)
		}
		return pat, nil
	}
	closeIdx := strings.IndexByte(pat[open:], '}')
	if closeIdx == -1 {
		return "", fmt.Errorf("%w: unbalanced '{' in %q", ErrPatternSyntax, pat)
	}
	closeIdx += open

	inner := pat[open+1 : closeIdx]
	if inner == "" {
		return "", fmt.Errorf("%w: empty alternatives group in %q", ErrPatternSyntax, pat)
	}
	alts := strings.Split(inner, ",")
	for _, a := range alts {
		if a == "" {
			return "", fmt.Errorf("%w: empty alternative in %q", ErrPatternSyntax, pat)
		}
	}

	rest := pat[closeIdx+1:]
	if strings.ContainsAny(rest, "{}") {
		return "", fmt.Errorf("%w: multiple/nested alternative groups unsupported in %q", ErrPatternSyntax, pat)
	}

	return pat[:open] + "(" + strings.Join(alts, "|") + ")" + rest, nil
}
