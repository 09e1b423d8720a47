// Package rules validates segment rule trees against the field catalog and
// compiles them into backend-neutral query plans.
package rules

import (
	"fmt"
	"time"

	"github.com/opensource-finance/heron/internal/catalog"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/query"
)

// Compiler turns rule trees into query plans. It holds no mutable state and
// is safe for concurrent use.
type Compiler struct {
	catalog *catalog.Catalog
	now     func() time.Time
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithClock overrides the clock day differences are computed against.
func WithClock(now func() time.Time) Option {
	return func(c *Compiler) {
		c.now = now
	}
}

// NewCompiler creates a compiler over cat. A nil catalog means catalog.Default().
func NewCompiler(cat *catalog.Catalog, opts ...Option) *Compiler {
	if cat == nil {
		cat = catalog.Default()
	}
	c := &Compiler{catalog: cat, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Catalog returns the catalog the compiler validates against.
func (c *Compiler) Catalog() *catalog.Catalog {
	return c.catalog
}

// Compiled is a validated rule tree and the plan it compiles to.
type Compiled struct {
	Rules []domain.RuleGroup
	Plan  *query.Plan
}

// Compile validates groups and compiles them. Several groups combine with AND.
func (c *Compiler) Compile(groups ...domain.RuleGroup) (*Compiled, error) {
	normalized, err := c.Validate(groups...)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC().Truncate(time.Second)

	terms := make([]query.Predicate, 0, len(normalized))
	for i := range normalized {
		p, err := c.translateGroup(&normalized[i], now)
		if err != nil {
			return nil, err
		}
		terms = append(terms, p)
	}

	return &Compiled{
		Rules: normalized,
		Plan:  query.NewPlan(query.Conj(terms...), now),
	}, nil
}

// translateGroup expects a validated group. An empty group is always true.
func (c *Compiler) translateGroup(g *domain.RuleGroup, now time.Time) (query.Predicate, error) {
	if len(g.Children) == 0 {
		return query.Always{}, nil
	}

	terms := make([]query.Predicate, 0, len(g.Children))
	for _, child := range g.Children {
		var (
			p   query.Predicate
			err error
		)
		switch n := child.(type) {
		case *domain.Rule:
			p, err = c.translateRule(n, now)
		case *domain.RuleGroup:
			p, err = c.translateGroup(n, now)
		default:
			err = fmt.Errorf("unexpected rule node %T", child)
		}
		if err != nil {
			return nil, err
		}
		terms = append(terms, p)
	}

	if g.Logic == domain.LogicOr {
		return query.Disj(terms...), nil
	}
	return query.Conj(terms...), nil
}

func (c *Compiler) translateRule(r *domain.Rule, now time.Time) (query.Predicate, error) {
	f, err := c.catalog.Lookup(r.Field)
	if err != nil {
		return nil, err
	}
	if !r.Operator.Valid() {
		return nil, &domain.InvalidRuleError{RuleID: r.ID, Field: r.Field, Reason: "unknown operator"}
	}
	return translators[r.Operator](leaf{field: f.Storage, rule: r, now: now}), nil
}
