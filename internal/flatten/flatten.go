// Package flatten discovers extraction paths in decoded JSON records.
//
// Records are walked in document order and every discovered path is
// classified as scalar (extractable into a typed column) or structured
// (kept as a JSON column). Arrays are never exploded into rows; an array
// path is always structured. Nested objects are structured at their own
// path and additionally contribute their children, so a path can carry a
// JSON column while its descendants carry scalar columns.
package flatten

import (
	"regexp"
	"strings"
	"unicode"

	"jsonq/internal/jsonval"
)

// KeySegment renders one object key as a JSONPath segment: ".key" for keys
// that are plain identifiers, `."quoted key"` otherwise. Bracket notation
// is never used.
func KeySegment(k string) string {
	if isIdentifier(k) {
		return "." + k
	}
	esc := strings.ReplaceAll(k, `\`, `\\`)
	esc = strings.ReplaceAll(esc, `"`, `\"`)
	return `."` + esc + `"`
}

// isIdentifier mirrors the identifier shape accepted by KeySegment's plain
// form: a letter or underscore followed by letters, digits or underscores.
// Unicode letters count.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}

var nonWord = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// ColumnName converts a JSONPath like $.a.b into a SQL-safe identifier like
// a__b. Nesting levels map to "__"; any remaining non-word runs collapse to
// a single underscore. The bare root path "$" maps to "root".
func ColumnName(path string) string {
	var p string
	if strings.HasPrefix(path, "$.") {
		p = path[2:]
	} else {
		p = strings.ReplaceAll(path, "$", "root")
	}
	p = strings.ReplaceAll(p, `["`, ".")
	p = strings.ReplaceAll(p, `"]`, "")
	p = strings.ReplaceAll(p, "[", "_")
	p = strings.ReplaceAll(p, "]", "")
	p = strings.ReplaceAll(p, ".", "__")
	p = nonWord.ReplaceAllString(p, "_")
	if p == "" {
		return "root"
	}
	return p
}

// PathSet is an insertion-ordered set of JSONPaths. First discovery wins:
// re-adding an existing path is a no-op and keeps the original position.
// Each path carries its raw key segments for renderers that address fields
// positionally instead of through a JSONPath string.
type PathSet struct {
	order []string
	segs  map[string][]string
}

// Add inserts path with its key segments and reports whether it was new.
func (s *PathSet) Add(path string, segs []string) bool {
	if s.segs == nil {
		s.segs = make(map[string][]string)
	}
	if _, ok := s.segs[path]; ok {
		return false
	}
	s.order = append(s.order, path)
	s.segs[path] = segs
	return true
}

// Contains reports whether path has been discovered.
func (s *PathSet) Contains(path string) bool {
	_, ok := s.segs[path]
	return ok
}

// Paths returns the paths in discovery order. The slice is shared; callers
// must not mutate it.
func (s *PathSet) Paths() []string { return s.order }

// Segments returns the raw key segments recorded for path, or nil.
func (s *PathSet) Segments(path string) []string { return s.segs[path] }

// Len returns the number of distinct paths.
func (s *PathSet) Len() int { return len(s.order) }

// Accumulator aggregates path discoveries across many records. Classification
// is per occurrence: a path scalar in one record and structured in another
// ends up in both sets, and the planner emits both columns.
type Accumulator struct {
	Scalar     PathSet
	Structured PathSet
}

// frame is one pending node of the walk.
type frame struct {
	v    any
	path string
	segs []string
	root bool
}

// Observe walks one record rooted at "$" and records every path it finds.
//
// The walk is an explicit worklist rather than recursion so record depth is
// limited by heap, not goroutine stack. Children of an object are pushed in
// reverse key order, which makes pop order equal to document order.
func (a *Accumulator) Observe(v any) {
	stack := []frame{{v: v, path: "$", root: true}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch val := f.v.(type) {
		case *jsonval.Object:
			// The record root is addressed by its children only; nested
			// objects also get a JSON column at their own path.
			if !f.root {
				a.Structured.Add(f.path, f.segs)
			}
			keys := val.Keys()
			for i := len(keys) - 1; i >= 0; i-- {
				k := keys[i]
				child, _ := val.Get(k)
				cs := make([]string, len(f.segs)+1)
				copy(cs, f.segs)
				cs[len(f.segs)] = k
				stack = append(stack, frame{v: child, path: f.path + KeySegment(k), segs: cs})
			}
		case []any:
			a.Structured.Add(f.path, f.segs)
		default:
			if jsonval.IsScalar(val) {
				a.Scalar.Add(f.path, f.segs)
			} else {
				a.Structured.Add(f.path, f.segs)
			}
		}
	}
}
