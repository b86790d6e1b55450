// Package pattern implements the literal and regular-expression patterns a
// session matches against its unconsumed output, and the earliest-match search
// used to resolve alternations.
package pattern

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"
)

// Kind distinguishes literal substring patterns from regular expressions.
type Kind int

const (
	// KindLiteral matches an exact substring.
	KindLiteral Kind = iota
	// KindRegexp matches an RE2 expression anywhere in the searched region.
	KindRegexp
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindRegexp:
		return "regexp"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Pattern is one alternative of an expectation.
type Pattern struct {
	kind     Kind
	source   string
	literal  []byte
	re        *regexp.Regexp
	resumable bool
}

// Literal returns a pattern matching s exactly.
func Literal(s string) Pattern {
	return Pattern{kind: KindLiteral, source: s, literal: []byte(s)}
}

// Regexp compiles expr into a search pattern.
func Regexp(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	resumable, err := resumesAfterLines(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("inspect pattern %q: %w", expr, err)
	}
	return Pattern{kind: KindRegexp, source: expr, re: re, resumable: resumable}, nil
}

// MustRegexp is like Regexp but panics on an invalid expression.
func MustRegexp(expr string) Pattern {
	p, err := Regexp(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Regexps compiles every expression, in order.
func Regexps(exprs ...string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(exprs))
	for _, expr := range exprs {
		p, err := Regexp(expr)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Kind reports whether the pattern is a literal or a regexp.
func (p Pattern) Kind() Kind {
	return p.kind
}

// Source returns the text the pattern was built from.
func (p Pattern) Source() string {
	return p.source
}

// String describes the pattern for diagnostics.
func (p Pattern) String() string {
	return fmt.Sprintf("%s %q", p.kind, p.source)
}

// find returns the leftmost match of p in data whose start is at or after from.
func (p Pattern) find(data []byte, from int) (int, int, bool) {
	if from > len(data) {
		return 0, 0, false
	}
	switch p.kind {
	case KindLiteral:
		idx := bytes.Index(data[from:], p.literal)
		if idx < 0 {
			return 0, 0, false
		}
		start := from + idx
		return start, start + len(p.literal), true
	case KindRegexp:
		if p.re == nil {
			return 0, 0, false
		}
		loc := p.re.FindIndex(data[from:])
		if loc == nil {
			return 0, 0, false
		}
		return from + loc[0], from + loc[1], true
	default:
		return 0, 0, false
	}
}

// frontier returns the lowest offset at which a match of p could still start
// once more bytes are appended to data, given that no match starts in
// [from, len(data)).
func (p Pattern) frontier(data []byte, from int) int {
	switch p.kind {
	case KindLiteral:
		next := len(data) - len(p.literal) + 1
		if next > from {
			return next
		}
		return from
	case KindRegexp:
		if !p.resumable {
			return from
		}
		// A match cannot cross a newline, so complete lines are settled.
		if idx := bytes.LastIndexByte(data[from:], '\n'); idx >= 0 {
			return from + idx + 1
		}
		return from
	default:
		return from
	}
}

// resumesAfterLines reports whether a search for expr may skip complete lines
// it already rejected. That needs every match to stay inside one line and no
// \A or non-multiline ^, which anchor to the start of the unconsumed region.
func resumesAfterLines(expr string) (bool, error) {
	parsed, err := syntax.Parse(expr, syntax.Perl)
	if err != nil {
		return false, err
	}
	simplified := parsed.Simplify()
	return !canMatchNewline(simplified) && !anchorsToText(simplified), nil
}

func anchorsToText(re *syntax.Regexp) bool {
	if re.Op == syntax.OpBeginText {
		return true
	}
	for _, sub := range re.Sub {
		if anchorsToText(sub) {
			return true
		}
	}
	return false
}

func canMatchNewline(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpAnyChar:
		return true
	case syntax.OpLiteral:
		return strings.ContainsRune(string(re.Rune), '\n')
	case syntax.OpCharClass:
		for i := 0; i+1 < len(re.Rune); i += 2 {
			if re.Rune[i] <= '\n' && '\n' <= re.Rune[i+1] {
				return true
			}
		}
		return false
	}
	for _, sub := range re.Sub {
		if canMatchNewline(sub) {
			return true
		}
	}
	return false
}

// ErrNoPatterns is returned when an expectation declares no alternatives.
var ErrNoPatterns = errors.New("at least one pattern is required")
