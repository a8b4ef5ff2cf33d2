// Package label defines the tag/value pair model shared across the indexing
// core: a Label is a single name/value pair, a LabelSet is a canonically
// ordered sequence of labels identifying one time series, and a Matcher
// selects labels by name and value under one of the comparison operators
// the index tree and mem index both understand.
package label

import (
	"regexp"
	"sort"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// Label is a single name/value pair.
type Label struct {
	Name  string
	Value string
}

// Set is a label set kept in canonical order (sorted by name) so that two
// label sets describing the same series compare and hash identically.
type Set []Label

// Canonicalize sorts the set by name in place and returns it.
func Canonicalize(lset Set) Set {
	sort.Slice(lset, func(i, j int) bool { return lset[i].Name < lset[j].Name })
	return lset
}

// Get returns the value of the named label and whether it was present.
func (lset Set) Get(name string) (string, bool) {
	for _, l := range lset {
		if l.Name == name {
			return l.Value, true
		}
	}
	return "", false
}

// Equal reports whether two canonicalized label sets are identical.
func (lset Set) Equal(other Set) bool {
	if len(lset) != len(other) {
		return false
	}
	for i := range lset {
		if lset[i] != other[i] {
			return false
		}
	}
	return true
}

// sep is the byte used between fields when building the fingerprint byte
// stream. It cannot appear in a valid UTF-8 label name or value.
const sep = 0xff

// Fingerprint computes a 64-bit hash of the canonical byte stream
// `name || 0xFF || value || 0xFF || ...`, used by the series store to
// locate a series by label set without scanning (series.Store) and by
// tests verifying round-trip labels.
func Fingerprint(lset Set) uint64 {
	h := xxhash.New()
	var sepBuf [1]byte
	sepBuf[0] = sep
	for _, l := range lset {
		_, _ = h.WriteString(l.Name)
		_, _ = h.Write(sepBuf[:])
		_, _ = h.WriteString(l.Value)
		_, _ = h.Write(sepBuf[:])
	}
	return h.Sum64()
}

// MatchOp is a label matcher comparison operator.
type MatchOp int

const (
	EQ MatchOp = iota
	NEQ
	LT
	LTE
	GT
	GTE
	EQRegex
	NEQRegex
)

// Matcher selects labels named Name whose value satisfies Op against Value.
// Regex variants hold a compiled matcher built once at construction time.
type Matcher struct {
	Op    MatchOp
	Name  string
	Value string

	re *regexp.Regexp
}

// NewMatcher builds a Matcher, compiling Value as a regular expression for
// the EQRegex/NEQRegex operators. The regex is anchored on both ends, as
// PromQL-style label matchers are.
func NewMatcher(op MatchOp, name, value string) (*Matcher, error) {
	m := &Matcher{Op: op, Name: name, Value: value}
	if op == EQRegex || op == NEQRegex {
		re, err := regexp.Compile("^(?:" + value + ")$")
		if err != nil {
			return nil, err
		}
		m.re = re
	}
	return m, nil
}

// Matches reports whether v satisfies the matcher. A regex matcher
// deterministically rejects non-UTF-8 input: v is checked with
// utf8.ValidString before the regexp runs, so such values never match an
// EQRegex matcher (and always match an NEQRegex matcher), whatever the
// pattern.
func (m *Matcher) Matches(v string) bool {
	switch m.Op {
	case EQ:
		return v == m.Value
	case NEQ:
		return v != m.Value
	case LT:
		return v < m.Value
	case LTE:
		return v <= m.Value
	case GT:
		return v > m.Value
	case GTE:
		return v >= m.Value
	case EQRegex:
		return utf8.ValidString(v) && m.re.MatchString(v)
	case NEQRegex:
		return !utf8.ValidString(v) || !m.re.MatchString(v)
	default:
		return false
	}
}

// MatchesLabel reports whether the matcher applies to l's name and its
// value satisfies the operator.
func (m *Matcher) MatchesLabel(l Label) bool {
	return l.Name == m.Name && m.Matches(l.Value)
}

// IsPositive reports whether the matcher's op is anything other than NEQ
// (NEQRegex counts as positive). This is the same split the mem index's
// resolve path makes, with its own Op != NEQ test, to decide whether NEQ
// results are accumulated into an exclude set rather than applied directly.
func (m *Matcher) IsPositive() bool {
	return m.Op != NEQ
}
