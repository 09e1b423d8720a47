package rules

import (
	"fmt"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/query"
)

// leaf is a validated rule bound to its storage field.
type leaf struct {
	field query.Field
	rule  *domain.Rule
	now   time.Time
}

type translateFunc func(l leaf) query.Predicate

// translators is indexed by operator. Every valid operator must have an entry.
var translators = [domain.NumOperators]translateFunc{
	domain.OpEquals:             translateEquals,
	domain.OpNotEquals:          translateNotEquals,
	domain.OpGreaterThan:        translateCompare(query.Gt),
	domain.OpGreaterThanOrEqual: translateCompare(query.Gte),
	domain.OpLessThan:           translateCompare(query.Lt),
	domain.OpLessThanOrEqual:    translateCompare(query.Lte),
	domain.OpContains:           translateContains,
	domain.OpNotContains:        translateNotContains,
	domain.OpStartsWith:         translateMatch(query.Prefix),
	domain.OpEndsWith:           translateMatch(query.Suffix),
	domain.OpIn:                 translateIn,
	domain.OpNotIn:              translateNotIn,
	domain.OpBetween:            translateBetween,
	domain.OpLastNDays:          translateLastNDays,
	domain.OpNextNDays:          translateNextNDays,
	domain.OpIsEmpty:            func(l leaf) query.Predicate { return query.Empty{Field: l.field} },
	domain.OpIsNotEmpty:         func(l leaf) query.Predicate { return query.NotEmpty{Field: l.field} },
	domain.OpIsTrue:             func(l leaf) query.Predicate { return query.Compare{Field: l.field, Op: query.Eq, Value: true} },
	domain.OpIsFalse:            func(l leaf) query.Predicate { return query.Compare{Field: l.field, Op: query.Eq, Value: false} },
}

func init() {
	for _, op := range domain.Operators() {
		if translators[op] == nil {
			panic(fmt.Sprintf("rules: operator %s has no translation", op))
		}
	}
}

const day = 24 * time.Hour

// dayStart truncates t to 00:00 UTC.
func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func scalar(v domain.Value) any {
	switch x := v.(type) {
	case domain.NumberValue:
		return float64(x)
	case domain.StringValue:
		return string(x)
	case domain.BoolValue:
		return bool(x)
	case domain.DateValue:
		return x.Time()
	}
	return nil
}

func list(v domain.Value) []any {
	arr, _ := v.(domain.ArrayValue)
	out := make([]any, len(arr))
	for i, e := range arr {
		out[i] = scalar(e)
	}
	return out
}

func (l leaf) isDate() bool { return l.rule.DataType == domain.TypeDate }

func (l leaf) date() time.Time { return dayStart(l.rule.Value.(domain.DateValue).Time()) }

// Dates compare at UTC day granularity.
func translateEquals(l leaf) query.Predicate {
	if l.isDate() {
		from := l.date()
		return query.Conj(
			query.Compare{Field: l.field, Op: query.Gte, Value: from},
			query.Compare{Field: l.field, Op: query.Lt, Value: from.Add(day)},
		)
	}
	return query.Compare{Field: l.field, Op: query.Eq, Value: scalar(l.rule.Value)}
}

func translateNotEquals(l leaf) query.Predicate {
	if l.isDate() {
		from := l.date()
		return query.Disj(
			query.Empty{Field: l.field},
			query.Compare{Field: l.field, Op: query.Lt, Value: from},
			query.Compare{Field: l.field, Op: query.Gte, Value: from.Add(day)},
		)
	}
	return query.NotEqual{Field: l.field, Value: scalar(l.rule.Value)}
}

func translateCompare(op query.CmpOp) translateFunc {
	return func(l leaf) query.Predicate {
		if !l.isDate() {
			return query.Compare{Field: l.field, Op: op, Value: scalar(l.rule.Value)}
		}
		d := l.date()
		switch op {
		case query.Gt:
			return query.Compare{Field: l.field, Op: query.Gte, Value: d.Add(day)}
		case query.Lte:
			return query.Compare{Field: l.field, Op: query.Lt, Value: d.Add(day)}
		}
		return query.Compare{Field: l.field, Op: op, Value: d}
	}
}

func translateContains(l leaf) query.Predicate {
	if l.rule.DataType == domain.TypeArray {
		return query.In{Field: l.field, Values: []any{scalar(l.rule.Value)}}
	}
	return query.Match{Field: l.field, Mode: query.Substring, Pattern: string(l.rule.Value.(domain.StringValue))}
}

func translateNotContains(l leaf) query.Predicate {
	if l.rule.DataType == domain.TypeArray {
		return query.NotIn{Field: l.field, Values: []any{scalar(l.rule.Value)}}
	}
	return query.NotMatch{Field: l.field, Mode: query.Substring, Pattern: string(l.rule.Value.(domain.StringValue))}
}

func translateMatch(mode query.MatchMode) translateFunc {
	return func(l leaf) query.Predicate {
		return query.Match{Field: l.field, Mode: mode, Pattern: string(l.rule.Value.(domain.StringValue))}
	}
}

func translateIn(l leaf) query.Predicate {
	return query.In{Field: l.field, Values: list(l.rule.Value)}
}

func translateNotIn(l leaf) query.Predicate {
	return query.NotIn{Field: l.field, Values: list(l.rule.Value)}
}

// Between is inclusive on both ends; date bounds cover whole days.
func translateBetween(l leaf) query.Predicate {
	bounds := l.rule.Value.(domain.ArrayValue)
	if l.isDate() {
		lo := dayStart(bounds[0].(domain.DateValue).Time())
		hi := dayStart(bounds[1].(domain.DateValue).Time()).Add(day)
		return query.Conj(
			query.Compare{Field: l.field, Op: query.Gte, Value: lo},
			query.Compare{Field: l.field, Op: query.Lt, Value: hi},
		)
	}
	return query.Conj(
		query.Compare{Field: l.field, Op: query.Gte, Value: scalar(bounds[0])},
		query.Compare{Field: l.field, Op: query.Lte, Value: scalar(bounds[1])},
	)
}

func days(v domain.Value) time.Duration {
	return time.Duration(v.(domain.NumberValue)) * day
}

func translateLastNDays(l leaf) query.Predicate {
	return query.Conj(
		query.Compare{Field: l.field, Op: query.Gte, Value: l.now.Add(-days(l.rule.Value))},
		query.Compare{Field: l.field, Op: query.Lte, Value: l.now},
	)
}

func translateNextNDays(l leaf) query.Predicate {
	return query.Conj(
		query.Compare{Field: l.field, Op: query.Gte, Value: l.now},
		query.Compare{Field: l.field, Op: query.Lte, Value: l.now.Add(days(l.rule.Value))},
	)
}
