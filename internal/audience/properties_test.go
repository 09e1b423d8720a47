package audience

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/opensource-finance/heron/internal/domain"
)

// opPair couples an operator with the operator that selects exactly the
// customers it does not.
type opPair struct {
	pos, neg domain.Operator
}

var (
	equalsPair   = opPair{domain.OpEquals, domain.OpNotEquals}
	containsPair = opPair{domain.OpContains, domain.OpNotContains}
	inPair       = opPair{domain.OpIn, domain.OpNotIn}
	emptyPair    = opPair{domain.OpIsEmpty, domain.OpIsNotEmpty}
	boolPair     = opPair{domain.OpIsTrue, domain.OpIsFalse}
	gtPair       = opPair{domain.OpGreaterThan, domain.OpLessThanOrEqual}
	ltPair       = opPair{domain.OpLessThan, domain.OpGreaterThanOrEqual}
)

// complement is a rule and its negation.
type complement struct {
	pos, neg *domain.Rule
}

func newComplement(field string, pair opPair, v domain.Value) complement {
	build := func(op domain.Operator) *domain.Rule {
		r := &domain.Rule{Field: field, Operator: op}
		switch {
		case !op.TakesValue():
		case op == domain.OpIn || op == domain.OpNotIn:
			r.Value = domain.ArrayValue{v}
		default:
			r.Value = v
		}
		return r
	}
	return complement{pos: build(pair.pos), neg: build(pair.neg)}
}

func complementGen(fields gopter.Gen, pairs gopter.Gen, values gopter.Gen) gopter.Gen {
	return gopter.CombineGens(fields, pairs, values).Map(func(v []interface{}) complement {
		value, _ := v[2].(domain.Value)
		return newComplement(v[0].(string), v[1].(opPair), value)
	})
}

func stringValues(values ...string) gopter.Gen {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = domain.Value(domain.StringValue(v))
	}
	return gen.OneConstOf(out...)
}

func numberValues(values ...float64) gopter.Gen {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = domain.Value(domain.NumberValue(v))
	}
	return gen.OneConstOf(out...)
}

func dateValues(offsets ...int) gopter.Gen {
	out := make([]interface{}, len(offsets))
	for i, d := range offsets {
		out[i] = domain.Value(domain.DateValue(*at(d)))
	}
	return gen.OneConstOf(out...)
}

// anyComplement draws a rule whose negation is its exact complement over the
// fixture, null values included.
func anyComplement() gopter.Gen {
	return gen.OneGenOf(
		complementGen(
			gen.OneConstOf("name", "email", "phone", "city", "country"),
			gen.OneConstOf(equalsPair, containsPair, inPair, emptyPair),
			stringValues("Mumbai", "mum", "IN", "us", "example", "555", "Alice", "a"),
		),
		complementGen(
			gen.Const("churnRisk"),
			gen.OneConstOf(equalsPair, inPair, emptyPair),
			stringValues("low", "medium", "high"),
		),
		complementGen(
			gen.Const("tags"),
			gen.OneConstOf(containsPair, inPair, emptyPair),
			stringValues("vip", "VIP", "new", "newsletter", "gold"),
		),
		complementGen(
			gen.Const("isActive"),
			gen.Const(boolPair),
			// Ignored: boolean operators take no value.
			gen.Const(domain.Value(domain.BoolValue(true))),
		),
		// Never-null numbers: ordering operators complement each other too.
		complementGen(
			gen.OneConstOf("totalSpent", "visitCount", "orderCount"),
			gen.OneConstOf(equalsPair, inPair, emptyPair, gtPair, ltPair),
			numberValues(0, 1, 2, 3, 6, 50, 300, 1200, 1500, 2000),
		),
		complementGen(
			gen.OneConstOf("averageOrderValue", "lastOrderDaysAgo", "daysSinceLastVisit", "registrationDaysAgo"),
			gen.OneConstOf(equalsPair, inPair, emptyPair),
			numberValues(-3, 0, 2, 5, 10, 45, 100, 200, 300, 400),
		),
		complementGen(
			gen.OneConstOf("registrationDate", "lastVisit"),
			gen.OneConstOf(equalsPair, emptyPair),
			dateValues(-400, -90, -45, -30, -10, -2, 0, 3, 7),
		),
	)
}

func newProperties(t *testing.T) *gopter.Properties {
	t.Helper()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	return gopter.NewProperties(parameters)
}

func run(t *testing.T, s store, groups ...domain.RuleGroup) ([]string, bool) {
	res, err := newTestEvaluator(s.repo).Preview(context.Background(), fixtureTenant, groups...)
	if err != nil {
		t.Logf("%s: %v", s.name, err)
		return nil, false
	}
	if int(res.Count) != len(res.Sample) {
		t.Logf("%s: count %d but %d sampled", s.name, res.Count, len(res.Sample))
		return nil, false
	}
	return members(&res.AudienceResult), true
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func union(sets ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range sets {
		for _, id := range s {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

func intersect(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, id := range b {
		in[id] = true
	}
	out := []string{}
	for _, id := range a {
		if in[id] {
			out = append(out, id)
		}
	}
	return out
}

func TestNegationComplementProperty(t *testing.T) {
	stores := newStores(t)
	total := len(fixtureCustomers())
	properties := newProperties(t)

	properties.Property("a rule and its negation partition the audience", prop.ForAll(
		func(c complement) bool {
			var previous []string
			for i, s := range stores {
				pos, ok := run(t, s, *domain.And(c.pos))
				if !ok {
					return false
				}
				neg, ok := run(t, s, *domain.And(c.neg))
				if !ok {
					return false
				}
				if len(pos)+len(neg) != total || len(intersect(pos, neg)) != 0 {
					t.Logf("%s: %s matched %v, %s matched %v", s.name, c.pos.Operator, pos, c.neg.Operator, neg)
					return false
				}
				if i > 0 && !equalSets(previous, pos) {
					t.Logf("stores disagree on %s %s: %v vs %v", c.pos.Field, c.pos.Operator, previous, pos)
					return false
				}
				previous = pos
			}
			return true
		},
		anyComplement(),
	))

	properties.TestingRun(t)
}

// tree is A AND (B OR C) with any of the leaves optionally negated.
type tree struct {
	a, b, c *domain.Rule
}

func (tr tree) group() *domain.RuleGroup {
	return domain.And(tr.a, domain.Or(tr.b, tr.c))
}

func pick(c complement, negate bool) *domain.Rule {
	if negate {
		return c.neg
	}
	return c.pos
}

func treeGen() gopter.Gen {
	return gopter.CombineGens(
		anyComplement(), anyComplement(), anyComplement(),
		gen.Bool(), gen.Bool(), gen.Bool(),
	).Map(func(v []interface{}) tree {
		return tree{
			a: pick(v[0].(complement), v[3].(bool)),
			b: pick(v[1].(complement), v[4].(bool)),
			c: pick(v[2].(complement), v[5].(bool)),
		}
	})
}

func TestNestedGroupProperty(t *testing.T) {
	stores := newStores(t)
	properties := newProperties(t)

	properties.Property("AND(a, OR(b, c)) matches a ∩ (b ∪ c)", prop.ForAll(
		func(tr tree) bool {
			for _, s := range stores {
				a, okA := run(t, s, *domain.And(tr.a))
				b, okB := run(t, s, *domain.And(tr.b))
				c, okC := run(t, s, *domain.And(tr.c))
				got, ok := run(t, s, *tr.group())
				if !okA || !okB || !okC || !ok {
					return false
				}
				want := intersect(a, union(b, c))
				if !equalSets(want, got) {
					t.Logf("%s: want %v, got %v", s.name, want, got)
					return false
				}
			}
			return true
		},
		treeGen(),
	))

	properties.TestingRun(t)
}

func TestRoundTripProperty(t *testing.T) {
	stores := newStores(t)
	properties := newProperties(t)
	compiler := newTestEvaluator(stores[0].repo).Compiler()

	properties.Property("encode, decode and recompile yields the same plan and audience", prop.ForAll(
		func(tr tree) bool {
			first, err := compiler.Compile(*tr.group())
			if err != nil {
				t.Logf("compile: %v", err)
				return false
			}

			data, err := json.Marshal(first.Rules)
			if err != nil {
				return false
			}
			var decoded []domain.RuleGroup
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Logf("decode %s: %v", data, err)
				return false
			}

			second, err := compiler.Compile(decoded...)
			if err != nil {
				t.Logf("recompile %s: %v", data, err)
				return false
			}
			if first.Plan.Filter.String() != second.Plan.Filter.String() {
				t.Logf("plans differ: %s vs %s", first.Plan.Filter, second.Plan.Filter)
				return false
			}

			for _, s := range stores {
				x, ok1 := run(t, s, first.Rules...)
				y, ok2 := run(t, s, decoded...)
				if !ok1 || !ok2 || !equalSets(x, y) {
					return false
				}
			}
			return true
		},
		treeGen(),
	))

	properties.TestingRun(t)
}
