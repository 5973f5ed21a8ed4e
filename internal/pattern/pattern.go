// Package pattern implements the matching rules shared by the top-level
// router and by conversation question handlers.
//
// A Spec is a tagged union over the supported pattern kinds: literal strings,
// regular expressions, predicates over the full canonical message, and the
// default marker that matches only when nothing else did.
package pattern

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/howdyai/botkit-sub002/internal/models"
)

// Kind discriminates the Spec union.
type Kind int

const (
	// KindLiteral matches via case-insensitive substring.
	KindLiteral Kind = iota
	// KindExpression matches a regular expression against the message text.
	KindExpression
	// KindPredicate delegates to a caller-supplied function over the message.
	KindPredicate
	// KindDefault marks the fallback handler of a question.
	KindDefault
)

// PredicateFunc receives the full canonical message and reports a match.
// Externally supplied classifiers (e.g. an intent service) plug in here.
type PredicateFunc func(msg models.Message) bool

// Spec is one pattern in one of the four supported forms.
type Spec struct {
	kind    Kind
	literal string
	expr    *regexp.Regexp
	pred    PredicateFunc
}

// Parse builds a Spec from a pattern string. A leading '^' makes the string
// an anchored case-insensitive regular expression; anything else matches as a
// case-insensitive substring.
func Parse(s string) (Spec, error) {
	if strings.HasPrefix(s, "^") {
		re, err := regexp.Compile("(?i)" + s)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid anchored pattern %q: %w", s, err)
		}
		return Expression(re), nil
	}
	return Literal(s), nil
}

// Literal returns a case-insensitive substring pattern.
func Literal(s string) Spec {
	return Spec{kind: KindLiteral, literal: strings.ToLower(s)}
}

// Expression returns a pattern applying re against the message text.
func Expression(re *regexp.Regexp) Spec {
	return Spec{kind: KindExpression, expr: re}
}

// Predicate returns a pattern delegating to fn.
func Predicate(fn PredicateFunc) Spec {
	return Spec{kind: KindPredicate, pred: fn}
}

// Default returns the fallback marker. It never matches directly; callers
// check IsDefault when nothing else matched.
func Default() Spec {
	return Spec{kind: KindDefault}
}

// Kind returns the variant of the spec.
func (s Spec) Kind() Kind { return s.kind }

// IsDefault reports whether the spec is the fallback marker.
func (s Spec) IsDefault() bool { return s.kind == KindDefault }

// Matches tests the spec against a canonical message. Default specs report
// false; selecting the default is the caller's fallback step.
func (s Spec) Matches(msg models.Message) bool {
	switch s.kind {
	case KindLiteral:
		return strings.Contains(strings.ToLower(msg.Text), s.literal)
	case KindExpression:
		if s.expr == nil {
			return false
		}
		return s.expr.MatchString(msg.Text)
	case KindPredicate:
		if s.pred == nil {
			return false
		}
		return s.pred(msg)
	default:
		return false
	}
}

// String describes the spec for logs and validation messages.
func (s Spec) String() string {
	switch s.kind {
	case KindLiteral:
		return fmt.Sprintf("literal(%q)", s.literal)
	case KindExpression:
		return fmt.Sprintf("expression(%s)", s.expr)
	case KindPredicate:
		return "predicate"
	default:
		return "default"
	}
}

// ParseAll parses a list of pattern strings, failing on the first invalid one.
func ParseAll(patterns []string) ([]Spec, error) {
	if len(patterns) == 0 {
		return nil, models.ErrNoPatterns
	}
	specs := make([]Spec, 0, len(patterns))
	for _, p := range patterns {
		spec, err := Parse(p)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// FirstMatch returns the index of the first non-default spec matching msg,
// or -1 when none match.
func FirstMatch(specs []Spec, msg models.Message) int {
	for i, s := range specs {
		if s.IsDefault() {
			continue
		}
		if s.Matches(msg) {
			return i
		}
	}
	return -1
}
