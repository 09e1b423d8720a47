package query

import (
	"time"
)

// Type is the storage type of a field.
type Type uint8

const (
	TypeNumber Type = iota + 1
	TypeString
	TypeDate
	TypeBoolean
	TypeArray
)

// Derivation says how a derived field is computed at query time.
type Derivation uint8

const (
	NotDerived Derivation = iota
	// DeriveOrderCount counts joined orders; 0 when there are none.
	DeriveOrderCount
	// DeriveAverageOrderValue averages order amounts; null when there are none.
	DeriveAverageOrderValue
	// DeriveDaysSinceLastOrder is days since the latest order; null when there are none.
	DeriveDaysSinceLastOrder
	// DeriveDaysSince is days since the stored date named by Source; null when absent.
	DeriveDaysSince
)

// Field maps a catalog field onto storage.
type Field struct {
	// Name is the public field name and the document key in Mongo and memory stores.
	Name string
	// Column is the SQL column (or derived alias) in the audience relation.
	Column string
	Type   Type
	Derive Derivation
	// Source and SourceColumn name the stored date a DeriveDaysSince field reads.
	Source       string
	SourceColumn string
}

// Derived reports whether f is computed at query time.
func (f Field) Derived() bool { return f.Derive != NotDerived }

// NeedsOrders reports whether computing f requires the order join.
func (f Field) NeedsOrders() bool {
	switch f.Derive {
	case DeriveOrderCount, DeriveAverageOrderValue, DeriveDaysSinceLastOrder:
		return true
	}
	return false
}

// Plan is a compiled filter plus what a store must synthesize to run it.
type Plan struct {
	Filter Predicate
	// Derived lists each derived field the filter references, once, in first-use order.
	Derived     []Field
	NeedsOrders bool
	// Now is the instant day differences are computed against.
	Now time.Time
}

// NewPlan collects the derived fields referenced by filter.
func NewPlan(filter Predicate, now time.Time) *Plan {
	p := &Plan{Filter: filter, Now: now.UTC().Truncate(time.Second)}
	seen := make(map[string]bool)
	Walk(filter, func(node Predicate) {
		f, ok := FieldOf(node)
		if !ok || !f.Derived() || seen[f.Name] {
			return
		}
		seen[f.Name] = true
		p.Derived = append(p.Derived, f)
		if f.NeedsOrders() {
			p.NeedsOrders = true
		}
	})
	return p
}

// SecondsPerDay is the day length used by every day difference.
const SecondsPerDay = 86400

// DaysSince returns ceil((now - t) / 1 day) in whole seconds, UTC.
// Integer division truncates toward zero, which is the ceiling for negative spans.
func DaysSince(now, t time.Time) int64 {
	d := now.Unix() - t.Unix()
	if d > 0 {
		return (d + SecondsPerDay - 1) / SecondsPerDay
	}
	return d / SecondsPerDay
}
