// Package catalog is the registry of segmentable customer fields: their data
// types, the operators each accepts and how each maps onto storage.
package catalog

import (
	"fmt"
	"slices"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/query"
)

// TypeOperators lists the operators each data type supports.
var TypeOperators = map[domain.DataType][]domain.Operator{
	domain.TypeNumber: {
		domain.OpEquals, domain.OpNotEquals,
		domain.OpGreaterThan, domain.OpGreaterThanOrEqual,
		domain.OpLessThan, domain.OpLessThanOrEqual,
		domain.OpBetween, domain.OpIn, domain.OpNotIn,
		domain.OpIsEmpty, domain.OpIsNotEmpty,
	},
	domain.TypeString: {
		domain.OpEquals, domain.OpNotEquals,
		domain.OpContains, domain.OpNotContains,
		domain.OpStartsWith, domain.OpEndsWith,
		domain.OpIn, domain.OpNotIn,
		domain.OpIsEmpty, domain.OpIsNotEmpty,
	},
	domain.TypeDate: {
		domain.OpEquals, domain.OpNotEquals,
		domain.OpGreaterThan, domain.OpGreaterThanOrEqual,
		domain.OpLessThan, domain.OpLessThanOrEqual,
		domain.OpBetween, domain.OpLastNDays, domain.OpNextNDays,
		domain.OpIsEmpty, domain.OpIsNotEmpty,
	},
	domain.TypeBoolean: {
		domain.OpIsTrue, domain.OpIsFalse,
	},
	domain.TypeArray: {
		domain.OpContains, domain.OpNotContains,
		domain.OpIn, domain.OpNotIn,
		domain.OpIsEmpty, domain.OpIsNotEmpty,
	},
}

var storageTypes = map[domain.DataType]query.Type{
	domain.TypeNumber:  query.TypeNumber,
	domain.TypeString:  query.TypeString,
	domain.TypeDate:    query.TypeDate,
	domain.TypeBoolean: query.TypeBoolean,
	domain.TypeArray:   query.TypeArray,
}

// Field is one catalog entry.
type Field struct {
	Name        string            `json:"name"`
	Label       string            `json:"label"`
	DataType    domain.DataType   `json:"dataType"`
	Operators   []domain.Operator `json:"operators"`
	Options     []string          `json:"options,omitempty"`
	Derived     bool              `json:"derived"`
	Description string            `json:"description,omitempty"`

	// Storage is how stores read the field. Name and Type are filled from the entry.
	Storage query.Field `json:"-"`
}

func (f Field) clone() Field {
	f.Operators = slices.Clone(f.Operators)
	f.Options = slices.Clone(f.Options)
	return f
}

// HasOperator reports whether op is permitted on f.
func (f *Field) HasOperator(op domain.Operator) bool {
	return slices.Contains(f.Operators, op)
}

// HasOption reports whether v is one of f's closed options. Fields without
// options accept anything.
func (f *Field) HasOption(v string) bool {
	return len(f.Options) == 0 || slices.Contains(f.Options, v)
}

// Catalog is an immutable, ordered set of fields.
type Catalog struct {
	fields []Field
	byName map[string]int
}

// New builds a catalog, checking every entry against its data type.
func New(fields ...Field) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]int, len(fields))}

	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("catalog field name is required")
		}
		if _, dup := c.byName[f.Name]; dup {
			return nil, fmt.Errorf("catalog field %s declared twice", f.Name)
		}
		allowed, ok := TypeOperators[f.DataType]
		if !ok {
			return nil, fmt.Errorf("catalog field %s: unsupported data type %q", f.Name, f.DataType)
		}
		if len(f.Operators) == 0 {
			f.Operators = slices.Clone(allowed)
		}
		for _, op := range f.Operators {
			if !slices.Contains(allowed, op) {
				return nil, fmt.Errorf("catalog field %s: operator %s is not valid for %s", f.Name, op, f.DataType)
			}
		}
		if f.Storage.Column == "" {
			return nil, fmt.Errorf("catalog field %s has no storage column", f.Name)
		}
		f.Storage.Name = f.Name
		f.Storage.Type = storageTypes[f.DataType]
		f.Derived = f.Storage.Derived()

		c.byName[f.Name] = len(c.fields)
		c.fields = append(c.fields, f)
	}

	return c, nil
}

// MustNew is New that panics, for static catalogs.
func MustNew(fields ...Field) *Catalog {
	c, err := New(fields...)
	if err != nil {
		panic(err)
	}
	return c
}

// IsValidField reports whether name is in the catalog.
func (c *Catalog) IsValidField(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// Lookup returns a copy of the entry for name or *domain.UnknownFieldError.
func (c *Catalog) Lookup(name string) (*Field, error) {
	i, ok := c.byName[name]
	if !ok {
		return nil, &domain.UnknownFieldError{Field: name}
	}
	f := c.fields[i].clone()
	return &f, nil
}

// AllowedOperators returns the operators permitted on name.
func (c *Catalog) AllowedOperators(name string) ([]domain.Operator, error) {
	f, err := c.Lookup(name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(f.Operators), nil
}

// DataTypeOf returns the declared data type of name.
func (c *Catalog) DataTypeOf(name string) (domain.DataType, error) {
	f, err := c.Lookup(name)
	if err != nil {
		return "", err
	}
	return f.DataType, nil
}

// Fields returns a copy of every entry in declaration order.
func (c *Catalog) Fields() []Field {
	out := make([]Field, len(c.fields))
	for i, f := range c.fields {
		out[i] = f.clone()
	}
	return out
}

// Metadata is the catalog as served to clients.
type Metadata struct {
	Fields    []Field                              `json:"fields"`
	Operators map[domain.DataType][]domain.Operator `json:"operators"`
}

// Metadata returns the fields and the operator list of each data type.
func (c *Catalog) Metadata() Metadata {
	ops := make(map[domain.DataType][]domain.Operator, len(TypeOperators))
	for t, list := range TypeOperators {
		ops[t] = slices.Clone(list)
	}
	return Metadata{Fields: c.Fields(), Operators: ops}
}
