// Package pathexpr compiles field-path expressions ("$.a.b[0].c[*].d") into
// a small tree of segments and evaluates them against decoded JSON
// documents (map[string]any / []any, the shapes encoding/json produces).
//
// Design Note §9 of the provider-config schema calls for a compiled
// representation parsed once at load time rather than a textual re-eval on
// every request; that is what this package provides. A wildcard segment
// anywhere in the path collapses the result type to a list, which removes
// the "first match only" bug by construction instead of by convention.
package pathexpr

import (
	"fmt"
	"strconv"
	"strings"
)

// SegmentKind identifies the three supported path-segment shapes.
type SegmentKind int

const (
	// Key selects a named object field.
	Key SegmentKind = iota
	// Index selects a zero-based array element.
	Index
	// Wildcard selects every element of an array, preserving order.
	Wildcard
)

// Segment is one parsed step of a field-path expression.
type Segment struct {
	Kind SegmentKind
	Name string // set iff Kind == Key
	Idx  int    // set iff Kind == Index
}

// Expr is a compiled field-path expression ready for repeated evaluation.
type Expr struct {
	raw      string
	segments []Segment
	wild     bool // true iff any segment is Wildcard
}

// String returns the original, uncompiled expression text.
func (e *Expr) String() string { return e.raw }

// HasWildcard reports whether evaluation of this expression always returns
// a list (Values) rather than a single Value.
func (e *Expr) HasWildcard() bool { return e.wild }

// Compile parses a field-path expression once. The leading "$." (or bare
// "$") root marker is optional and stripped if present; "a.b[0].c[*].d" and
// "$.a.b[0].c[*].d" compile identically.
func Compile(expr string) (*Expr, error) {
	s := strings.TrimSpace(expr)
	s = strings.TrimPrefix(s, "$.")
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return &Expr{raw: expr, segments: nil}, nil
	}

	var segs []Segment
	var wild bool

	for _, dotPart := range strings.Split(s, ".") {
		if dotPart == "" {
			return nil, fmt.Errorf("pathexpr: empty segment in %q", expr)
		}
		name, brackets, err := splitBrackets(dotPart)
		if err != nil {
			return nil, fmt.Errorf("pathexpr: %q: %w", expr, err)
		}
		if name != "" {
			segs = append(segs, Segment{Kind: Key, Name: name})
		}
		for _, b := range brackets {
			if b == "*" {
				segs = append(segs, Segment{Kind: Wildcard})
				wild = true
				continue
			}
			n, err := strconv.Atoi(b)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("pathexpr: %q: invalid bracket index %q", expr, b)
			}
			segs = append(segs, Segment{Kind: Index, Idx: n})
		}
	}

	return &Expr{raw: expr, segments: segs, wild: wild}, nil
}

// MustCompile is Compile but panics on error; intended for static
// built-in-provider tables, never for operator-supplied config.
func MustCompile(expr string) *Expr {
	e, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// splitBrackets splits "name[0][*]" into ("name", ["0", "*"]).
func splitBrackets(part string) (string, []string, error) {
	i := strings.IndexByte(part, '[')
	if i < 0 {
		return part, nil, nil
	}
	name := part[:i]
	rest := part[i:]
	var brackets []string
	for len(rest) > 0 {
		if rest[0] != '[' {
			return "", nil, fmt.Errorf("malformed bracket segment %q", part)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return "", nil, fmt.Errorf("unterminated bracket in %q", part)
		}
		brackets = append(brackets, rest[1:end])
		rest = rest[end+1:]
	}
	return name, brackets, nil
}

// Result is the outcome of evaluating an Expr against a document.
type Result struct {
	// Present is false when a non-wildcard path resolves to a missing
	// segment (the "none" outcome in the core spec's terms).
	Present bool
	// Value holds the leaf for a non-wildcard expression.
	Value any
	// Values holds the ordered, filtered (non-null, non-empty-string)
	// leaves for a wildcard expression. Always non-nil (possibly empty)
	// once any wildcard segment has been encountered, per the spec's
	// "[] not none when the collection exists but is empty" rule.
	Values []any
}

// Eval walks doc according to e's compiled segments.
func Eval(e *Expr, doc any) Result {
	if e == nil || len(e.segments) == 0 {
		if doc == nil {
			return Result{Present: false}
		}
		return Result{Present: true, Value: doc}
	}
	return evalSegments(e.segments, doc)
}

func evalSegments(segs []Segment, cur any) Result {
	if len(segs) == 0 {
		if cur == nil {
			return Result{Present: false}
		}
		return Result{Present: true, Value: cur}
	}

	head, tail := segs[0], segs[1:]

	switch head.Kind {
	case Key:
		m, ok := cur.(map[string]any)
		if !ok {
			return missingOrEmpty(tail)
		}
		v, ok := m[head.Name]
		if !ok {
			return missingOrEmpty(tail)
		}
		return evalSegments(tail, v)

	case Index:
		arr, ok := cur.([]any)
		if !ok || head.Idx >= len(arr) || head.Idx < 0 {
			return missingOrEmpty(tail)
		}
		return evalSegments(tail, arr[head.Idx])

	case Wildcard:
		arr, ok := cur.([]any)
		if !ok {
			// Collection doesn't exist at all: spec draws a distinction
			// between "missing collection" and "empty collection"; a
			// non-array here means the collection itself is absent, so
			// we still return [] (not "none") because wildcard always
			// yields a list type once reached.
			return Result{Present: true, Values: []any{}}
		}
		out := make([]any, 0, len(arr))
		for _, elem := range arr {
			sub := evalSegments(tail, elem)
			if sub.Values != nil {
				out = append(out, filterEmpty(sub.Values)...)
				continue
			}
			if sub.Present && !isEmpty(sub.Value) {
				out = append(out, sub.Value)
			}
		}
		return Result{Present: true, Values: out}
	}

	return Result{Present: false}
}

// missingOrEmpty returns the correctly-typed "absent" result: a list type
// ([]) if the remaining path still contains a wildcard, otherwise "none".
func missingOrEmpty(tail []Segment) Result {
	for _, s := range tail {
		if s.Kind == Wildcard {
			return Result{Present: true, Values: []any{}}
		}
	}
	return Result{Present: false}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

func filterEmpty(vs []any) []any {
	out := make([]any, 0, len(vs))
	for _, v := range vs {
		if !isEmpty(v) {
			out = append(out, v)
		}
	}
	return out
}

// EvalAlternates tries primary, then each alternate in order, on "none"
// (not on "[]") — matching the alternates semantics in the core spec's
// §4.1: an empty-but-present wildcard result is not retried.
func EvalAlternates(primary *Expr, alternates []*Expr, doc any) Result {
	res := Eval(primary, doc)
	if res.Present {
		return res
	}
	for _, alt := range alternates {
		res = Eval(alt, doc)
		if res.Present {
			return res
		}
	}
	return res
}
