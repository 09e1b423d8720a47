package rules

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/catalog"
	"github.com/opensource-finance/heron/internal/domain"
)

// Validate checks groups against the catalog and returns a normalized copy:
// date strings become DateValue, missing data types are filled from the
// catalog and values of value-less operators are dropped. The input is not
// modified.
func (c *Compiler) Validate(groups ...domain.RuleGroup) ([]domain.RuleGroup, error) {
	out := make([]domain.RuleGroup, len(groups))
	for i := range groups {
		path := "$"
		if len(groups) > 1 {
			path = fmt.Sprintf("$[%d]", i)
		}
		g, err := c.validateGroup(&groups[i], path, 1)
		if err != nil {
			return nil, err
		}
		out[i] = *g
	}
	return out, nil
}

// ValidateGroup validates a single group rooted at "$".
func (c *Compiler) ValidateGroup(g *domain.RuleGroup) (*domain.RuleGroup, error) {
	if g == nil {
		return nil, &domain.InvalidRuleError{Path: "$", Reason: "rule group is required"}
	}
	return c.validateGroup(g, "$", 1)
}

func (c *Compiler) validateGroup(g *domain.RuleGroup, path string, depth int) (*domain.RuleGroup, error) {
	if depth > domain.MaxRuleDepth {
		return nil, &domain.InvalidRuleError{RuleID: g.ID, Path: path,
			Reason: fmt.Sprintf("rule groups nest deeper than %d levels", domain.MaxRuleDepth)}
	}

	logic := domain.Logic(strings.ToUpper(string(g.Logic)))
	if logic == "" {
		logic = domain.LogicAnd
	}
	if !logic.Valid() {
		return nil, &domain.InvalidRuleError{RuleID: g.ID, Path: path,
			Reason: fmt.Sprintf("logic must be AND or OR, got %q", g.Logic)}
	}

	out := &domain.RuleGroup{ID: g.ID, Logic: logic, Children: make([]domain.Node, 0, len(g.Children))}
	for i, child := range g.Children {
		childPath := fmt.Sprintf("%s.rules[%d]", path, i)
		switch n := child.(type) {
		case *domain.Rule:
			r, err := c.validateRule(n, childPath)
			if err != nil {
				return nil, err
			}
			out.Children = append(out.Children, r)
		case *domain.RuleGroup:
			sub, err := c.validateGroup(n, childPath, depth+1)
			if err != nil {
				return nil, err
			}
			out.Children = append(out.Children, sub)
		default:
			return nil, &domain.InvalidRuleError{Path: childPath, Reason: "node must be a rule or a rule group"}
		}
	}
	return out, nil
}

func (c *Compiler) validateRule(r *domain.Rule, path string) (*domain.Rule, error) {
	if r == nil {
		return nil, &domain.InvalidRuleError{Path: path, Reason: "rule is null"}
	}

	fail := func(format string, args ...any) error {
		return &domain.InvalidRuleError{RuleID: r.ID, Path: path, Field: r.Field, Reason: fmt.Sprintf(format, args...)}
	}

	f, err := c.catalog.Lookup(r.Field)
	if err != nil {
		return nil, &domain.UnknownFieldError{Field: r.Field, Path: path}
	}

	if !r.Operator.Valid() {
		return nil, fail("unknown operator")
	}

	dt := r.DataType
	if dt == "" {
		dt = f.DataType
	}
	if dt != f.DataType {
		return nil, fail("dataType %q does not match field type %q", r.DataType, f.DataType)
	}

	if !f.HasOperator(r.Operator) {
		return nil, fail("operator %s is not allowed on %s", r.Operator, f.Name)
	}

	out := &domain.Rule{ID: r.ID, Field: r.Field, Operator: r.Operator, DataType: dt}
	if !r.Operator.TakesValue() {
		return out, nil
	}
	if r.Value == nil {
		return nil, fail("operator %s requires a value", r.Operator)
	}

	v, reason := normalizeValue(f, r.Operator, r.Value)
	if reason != "" {
		return nil, fail("%s", reason)
	}
	out.Value = v
	return out, nil
}

// normalizeValue returns the typed value for (field, operator) or a reason it is unacceptable.
func normalizeValue(f *catalog.Field, op domain.Operator, v domain.Value) (domain.Value, string) {
	switch op {
	case domain.OpIn, domain.OpNotIn:
		arr, ok := v.(domain.ArrayValue)
		if !ok || len(arr) == 0 {
			return nil, fmt.Sprintf("operator %s requires a non-empty array", op)
		}
		out := make(domain.ArrayValue, len(arr))
		for i, elem := range arr {
			e, reason := normalizeScalar(f, op, elem)
			if reason != "" {
				return nil, fmt.Sprintf("element %d: %s", i, reason)
			}
			out[i] = e
		}
		return out, ""

	case domain.OpBetween:
		arr, ok := v.(domain.ArrayValue)
		if !ok || len(arr) != 2 {
			return nil, "operator between requires exactly two values"
		}
		lo, reason := normalizeScalar(f, op, arr[0])
		if reason != "" {
			return nil, "lower bound: " + reason
		}
		hi, reason := normalizeScalar(f, op, arr[1])
		if reason != "" {
			return nil, "upper bound: " + reason
		}
		if !lessOrEqual(lo, hi) {
			return nil, "between lower bound exceeds upper bound"
		}
		return domain.ArrayValue{lo, hi}, ""

	case domain.OpLastNDays, domain.OpNextNDays:
		n, ok := v.(domain.NumberValue)
		if !ok || float64(n) < 0 || float64(n) != math.Trunc(float64(n)) || math.IsInf(float64(n), 0) {
			return nil, fmt.Sprintf("operator %s requires a non-negative whole number of days", op)
		}
		return n, ""
	}

	if _, isArr := v.(domain.ArrayValue); isArr {
		return nil, fmt.Sprintf("operator %s takes a single value", op)
	}
	return normalizeScalar(f, op, v)
}

func normalizeScalar(f *catalog.Field, op domain.Operator, v domain.Value) (domain.Value, string) {
	switch f.DataType {
	case domain.TypeNumber:
		n, ok := v.(domain.NumberValue)
		if !ok {
			return nil, fmt.Sprintf("expected a number, got %s", kindOf(v))
		}
		return n, ""

	case domain.TypeString, domain.TypeArray:
		s, ok := v.(domain.StringValue)
		if !ok {
			return nil, fmt.Sprintf("expected a string, got %s", kindOf(v))
		}
		switch op {
		case domain.OpContains, domain.OpNotContains, domain.OpStartsWith, domain.OpEndsWith:
			if s == "" {
				return nil, fmt.Sprintf("operator %s requires a non-empty string", op)
			}
		}
		if !f.HasOption(string(s)) {
			return nil, fmt.Sprintf("%q is not one of %s", string(s), strings.Join(f.Options, ", "))
		}
		return s, ""

	case domain.TypeDate:
		switch d := v.(type) {
		case domain.DateValue:
			return d, ""
		case domain.StringValue:
			t, err := ParseDate(string(d))
			if err != nil {
				return nil, err.Error()
			}
			return domain.DateValue(t), ""
		}
		return nil, fmt.Sprintf("expected a date string, got %s", kindOf(v))
	}

	return nil, fmt.Sprintf("field type %s takes no value", f.DataType)
}

// ParseDate accepts RFC 3339 timestamps and YYYY-MM-DD dates, in UTC.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.UTC); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%q is not an RFC 3339 timestamp or YYYY-MM-DD date", s)
}

func lessOrEqual(a, b domain.Value) bool {
	switch x := a.(type) {
	case domain.NumberValue:
		return x <= b.(domain.NumberValue)
	case domain.DateValue:
		return !x.Time().After(b.(domain.DateValue).Time())
	}
	return false
}

func kindOf(v domain.Value) string {
	switch v.(type) {
	case domain.NumberValue:
		return "a number"
	case domain.StringValue:
		return "a string"
	case domain.BoolValue:
		return "a boolean"
	case domain.ArrayValue:
		return "an array"
	case domain.DateValue:
		return "a date"
	}
	return "nothing"
}
