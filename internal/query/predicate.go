// Package query holds the backend-neutral predicate AST produced by the rule
// compiler and its renderings for SQL, MongoDB and CEL.
package query

import (
	"fmt"
	"strings"
	"time"
)

// Predicate is a node of the compiled filter tree.
//
// Negated kinds (NotEqual, NotMatch, NotIn, NotEmpty) match rows where the
// field is null, so each is the exact complement of its positive form.
// Positive comparisons never match null.
type Predicate interface {
	isPredicate()
	String() string
}

// CmpOp is a scalar comparison.
type CmpOp uint8

const (
	Eq CmpOp = iota + 1
	Gt
	Gte
	Lt
	Lte
)

var cmpSymbols = map[CmpOp]string{Eq: "=", Gt: ">", Gte: ">=", Lt: "<", Lte: "<="}

func (o CmpOp) String() string { return cmpSymbols[o] }

// MatchMode selects how a Match pattern is anchored.
type MatchMode uint8

const (
	Substring MatchMode = iota + 1
	Prefix
	Suffix
)

// Always matches every row.
type Always struct{}

// And matches when every term matches. An empty And matches everything.
type And struct{ Terms []Predicate }

// Or matches when any term matches. An empty Or matches nothing.
type Or struct{ Terms []Predicate }

// Compare is `field op value` and never matches null.
type Compare struct {
	Field Field
	Op    CmpOp
	Value any
}

// NotEqual matches rows where field is null or differs from value.
type NotEqual struct {
	Field Field
	Value any
}

// Match is a case-insensitive literal pattern match on a string field.
type Match struct {
	Field   Field
	Mode    MatchMode
	Pattern string
}

// NotMatch is the complement of Match.
type NotMatch struct {
	Field   Field
	Mode    MatchMode
	Pattern string
}

// In matches when a scalar field equals one of Values, or when an array field
// shares at least one element with Values.
type In struct {
	Field  Field
	Values []any
}

// NotIn is the complement of In.
type NotIn struct {
	Field  Field
	Values []any
}

// Empty matches null, missing, "" for strings and [] for arrays.
type Empty struct{ Field Field }

// NotEmpty is the complement of Empty.
type NotEmpty struct{ Field Field }

func (Always) isPredicate()   {}
func (And) isPredicate()      {}
func (Or) isPredicate()       {}
func (Compare) isPredicate()  {}
func (NotEqual) isPredicate() {}
func (Match) isPredicate()    {}
func (NotMatch) isPredicate() {}
func (In) isPredicate()       {}
func (NotIn) isPredicate()    {}
func (Empty) isPredicate()    {}
func (NotEmpty) isPredicate() {}

// Conj builds a conjunction, collapsing trivial cases.
func Conj(terms ...Predicate) Predicate {
	kept := make([]Predicate, 0, len(terms))
	for _, t := range terms {
		if _, ok := t.(Always); ok {
			continue
		}
		kept = append(kept, t)
	}
	switch len(kept) {
	case 0:
		return Always{}
	case 1:
		return kept[0]
	}
	return And{Terms: kept}
}

// Disj builds a disjunction. A disjunction containing Always is Always.
func Disj(terms ...Predicate) Predicate {
	for _, t := range terms {
		if _, ok := t.(Always); ok {
			return Always{}
		}
	}
	if len(terms) == 1 {
		return terms[0]
	}
	return Or{Terms: terms}
}

func (Always) String() string { return "TRUE" }

func (p And) String() string { return joinTerms(p.Terms, " AND ", "TRUE") }

func (p Or) String() string { return joinTerms(p.Terms, " OR ", "FALSE") }

func (p Compare) String() string {
	return fmt.Sprintf("%s %s %s", p.Field.Name, p.Op, formatValue(p.Value))
}

func (p NotEqual) String() string {
	return fmt.Sprintf("%s != %s", p.Field.Name, formatValue(p.Value))
}

func (p Match) String() string {
	return fmt.Sprintf("%s %s %q", p.Field.Name, matchVerb(p.Mode, false), p.Pattern)
}

func (p NotMatch) String() string {
	return fmt.Sprintf("%s %s %q", p.Field.Name, matchVerb(p.Mode, true), p.Pattern)
}

func (p In) String() string {
	return fmt.Sprintf("%s IN %s", p.Field.Name, formatValue(p.Values))
}

func (p NotIn) String() string {
	return fmt.Sprintf("%s NOT IN %s", p.Field.Name, formatValue(p.Values))
}

func (p Empty) String() string { return p.Field.Name + " IS EMPTY" }

func (p NotEmpty) String() string { return p.Field.Name + " IS NOT EMPTY" }

func joinTerms(terms []Predicate, sep, empty string) string {
	if len(terms) == 0 {
		return empty
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = "(" + t.String() + ")"
	}
	return strings.Join(parts, sep)
}

func matchVerb(mode MatchMode, negated bool) string {
	verb := "CONTAINS"
	switch mode {
	case Prefix:
		verb = "STARTS WITH"
	case Suffix:
		verb = "ENDS WITH"
	}
	if negated {
		return "NOT " + verb
	}
	return verb
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return fmt.Sprintf("%q", x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = formatValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Walk calls fn for every node of p in depth-first order.
func Walk(p Predicate, fn func(Predicate)) {
	fn(p)
	switch x := p.(type) {
	case And:
		for _, t := range x.Terms {
			Walk(t, fn)
		}
	case Or:
		for _, t := range x.Terms {
			Walk(t, fn)
		}
	}
}

// FieldOf returns the field a leaf predicate tests, if any.
func FieldOf(p Predicate) (Field, bool) {
	switch x := p.(type) {
	case Compare:
		return x.Field, true
	case NotEqual:
		return x.Field, true
	case Match:
		return x.Field, true
	case NotMatch:
		return x.Field, true
	case In:
		return x.Field, true
	case NotIn:
		return x.Field, true
	case Empty:
		return x.Field, true
	case NotEmpty:
		return x.Field, true
	}
	return Field{}, false
}
