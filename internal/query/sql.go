package query

import (
	"fmt"
	"strings"
	"time"
)

// Dialect selects SQL flavour differences.
type Dialect uint8

const (
	SQLite Dialect = iota + 1
	Postgres
)

// SQLiteLower is the Unicode-aware lowercase function the SQLite store
// registers. The built-in LOWER only folds ASCII.
const SQLiteLower = "heron_lower"

// SQL table names shared with the repository schema.
const (
	CustomersTable = "customers"
	OrdersTable    = "orders"
)

// ArrayTable returns the side table holding elements of an array field.
// Rows are (tenant_id, customer_id, value).
func ArrayTable(f Field) string {
	return "customer_" + f.Column
}

// SQLAudience is a rendered audience query. Count and Sample share Args.
type SQLAudience struct {
	Count  string
	Sample string
	Args   []any
}

// RenderSQL renders plan as a count query and a sample query over the
// audience relation, using ? placeholders.
func RenderSQL(plan *Plan, tenantID string, dialect Dialect, limit int) (*SQLAudience, error) {
	r := &sqlRenderer{dialect: dialect, now: plan.Now.Unix()}

	var with strings.Builder
	with.WriteString("WITH ")
	if plan.NeedsOrders {
		fmt.Fprintf(&with,
			"order_stats AS (SELECT customer_id, COUNT(*) AS order_count, AVG(amount) AS average_order_value, MAX(ordered_at) AS last_ordered_at FROM %s WHERE tenant_id = ? GROUP BY customer_id), ",
			OrdersTable)
		r.args = append(r.args, tenantID)
	}

	with.WriteString("audience AS (SELECT c.*")
	for _, f := range plan.Derived {
		expr, err := r.derivedExpr(f)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&with, ", %s AS %s", expr, f.Column)
	}
	fmt.Fprintf(&with, " FROM %s c", CustomersTable)
	if plan.NeedsOrders {
		with.WriteString(" LEFT JOIN order_stats os ON os.customer_id = c.id")
	}
	with.WriteString(" WHERE c.tenant_id = ?)")
	r.args = append(r.args, tenantID)

	where, err := r.render(plan.Filter)
	if err != nil {
		return nil, err
	}

	prefix := with.String()
	return &SQLAudience{
		Count:  fmt.Sprintf("%s SELECT COUNT(*) FROM audience a WHERE %s", prefix, where),
		Sample: fmt.Sprintf("%s SELECT a.id, a.name, a.email, a.total_spent FROM audience a WHERE %s ORDER BY a.id LIMIT %d", prefix, where, limit),
		Args:   r.args,
	}, nil
}

// RenderSQLWhere renders only the filter, for diagnostics.
func RenderSQLWhere(p Predicate, dialect Dialect) (string, []any, error) {
	r := &sqlRenderer{dialect: dialect}
	where, err := r.render(p)
	return where, r.args, err
}

type sqlRenderer struct {
	dialect Dialect
	now     int64
	args    []any
}

func (r *sqlRenderer) derivedExpr(f Field) (string, error) {
	switch f.Derive {
	case DeriveOrderCount:
		return "COALESCE(os.order_count, 0)", nil
	case DeriveAverageOrderValue:
		return "os.average_order_value", nil
	case DeriveDaysSinceLastOrder:
		return r.daysSince("os.last_ordered_at"), nil
	case DeriveDaysSince:
		return r.daysSince("c." + f.SourceColumn), nil
	}
	return "", fmt.Errorf("field %s has no SQL derivation", f.Name)
}

// daysSince mirrors DaysSince: ceiling for positive spans, truncation otherwise.
func (r *sqlRenderer) daysSince(col string) string {
	return fmt.Sprintf(
		"CASE WHEN %[1]s IS NULL THEN NULL WHEN %[2]d - %[1]s > 0 THEN (%[2]d - %[1]s + %[3]d) / %[4]d ELSE (%[2]d - %[1]s) / %[4]d END",
		col, r.now, SecondsPerDay-1, SecondsPerDay)
}

func (r *sqlRenderer) col(f Field) string {
	return "a." + f.Column
}

// lower matches the strings.ToLower folding applied to LIKE patterns.
func (r *sqlRenderer) lower(col string) string {
	if r.dialect == SQLite {
		return SQLiteLower + "(" + col + ")"
	}
	return "LOWER(" + col + ")"
}

func (r *sqlRenderer) param(f Field, v any) (string, error) {
	switch x := v.(type) {
	case float64:
		r.args = append(r.args, x)
		if r.dialect == Postgres {
			return "CAST(? AS DOUBLE PRECISION)", nil
		}
		return "?", nil
	case string:
		r.args = append(r.args, x)
		return "?", nil
	case bool:
		if x {
			r.args = append(r.args, 1)
		} else {
			r.args = append(r.args, 0)
		}
		return "?", nil
	case time.Time:
		r.args = append(r.args, x.Unix())
		return "?", nil
	}
	return "", fmt.Errorf("field %s: unsupported SQL value %T", f.Name, v)
}

func (r *sqlRenderer) params(f Field, values []any) (string, error) {
	if len(values) == 0 {
		return "", fmt.Errorf("field %s: empty value list", f.Name)
	}
	marks := make([]string, len(values))
	for i, v := range values {
		m, err := r.param(f, v)
		if err != nil {
			return "", err
		}
		marks[i] = m
	}
	return strings.Join(marks, ", "), nil
}

func (r *sqlRenderer) render(p Predicate) (string, error) {
	switch x := p.(type) {
	case Always:
		return "1 = 1", nil
	case And:
		return r.join(x.Terms, " AND ", "1 = 1")
	case Or:
		return r.join(x.Terms, " OR ", "1 = 0")
	case Compare:
		ph, err := r.param(x.Field, x.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", r.col(x.Field), x.Op, ph), nil
	case NotEqual:
		ph, err := r.param(x.Field, x.Value)
		if err != nil {
			return "", err
		}
		c := r.col(x.Field)
		return fmt.Sprintf("(%s IS NULL OR %s <> %s)", c, c, ph), nil
	case Match:
		ph, err := r.param(x.Field, likePattern(x.Mode, x.Pattern))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, r.lower(r.col(x.Field)), ph), nil
	case NotMatch:
		ph, err := r.param(x.Field, likePattern(x.Mode, x.Pattern))
		if err != nil {
			return "", err
		}
		c := r.col(x.Field)
		return fmt.Sprintf(`(%s IS NULL OR %s NOT LIKE %s ESCAPE '\')`, c, r.lower(c), ph), nil
	case In:
		return r.renderIn(x.Field, x.Values, false)
	case NotIn:
		return r.renderIn(x.Field, x.Values, true)
	case Empty:
		return r.renderEmpty(x.Field, false), nil
	case NotEmpty:
		return r.renderEmpty(x.Field, true), nil
	}
	return "", fmt.Errorf("unsupported predicate %T", p)
}

func (r *sqlRenderer) join(terms []Predicate, sep, empty string) (string, error) {
	if len(terms) == 0 {
		return empty, nil
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		s, err := r.render(t)
		if err != nil {
			return "", err
		}
		parts[i] = "(" + s + ")"
	}
	return strings.Join(parts, sep), nil
}

func (r *sqlRenderer) renderIn(f Field, values []any, negated bool) (string, error) {
	marks, err := r.params(f, values)
	if err != nil {
		return "", err
	}
	if f.Type == TypeArray {
		exists := fmt.Sprintf(
			"EXISTS (SELECT 1 FROM %s t WHERE t.tenant_id = a.tenant_id AND t.customer_id = a.id AND t.value IN (%s))",
			ArrayTable(f), marks)
		if negated {
			return "NOT " + exists, nil
		}
		return exists, nil
	}
	c := r.col(f)
	if negated {
		return fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))", c, c, marks), nil
	}
	return fmt.Sprintf("%s IN (%s)", c, marks), nil
}

func (r *sqlRenderer) renderEmpty(f Field, negated bool) string {
	c := r.col(f)
	switch f.Type {
	case TypeArray:
		exists := fmt.Sprintf(
			"EXISTS (SELECT 1 FROM %s t WHERE t.tenant_id = a.tenant_id AND t.customer_id = a.id)",
			ArrayTable(f))
		if negated {
			return exists
		}
		return "NOT " + exists
	case TypeString:
		if negated {
			return fmt.Sprintf("(%s IS NOT NULL AND %s <> '')", c, c)
		}
		return fmt.Sprintf("(%s IS NULL OR %s = '')", c, c)
	}
	if negated {
		return c + " IS NOT NULL"
	}
	return c + " IS NULL"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(mode MatchMode, s string) string {
	s = likeEscaper.Replace(strings.ToLower(s))
	switch mode {
	case Prefix:
		return s + "%"
	case Suffix:
		return "%" + s
	}
	return "%" + s + "%"
}
