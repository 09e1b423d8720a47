package query

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// CEL variable names bound by NewCELEnv.
const (
	CELDocument = "c"
	CELParams   = "params"
)

// NewCELEnv returns the environment compiled predicates run in: one document
// map and a list of parameters referenced by index.
func NewCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable(CELDocument, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(CELParams, cel.ListType(cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// CELExpr is a rendered CEL expression and its positional parameters.
// Documents omit keys whose value is null; numbers must be float64.
type CELExpr struct {
	Source string
	Params []any
}

// RenderCEL renders p as a CEL boolean expression over the document variable.
func RenderCEL(p Predicate) (*CELExpr, error) {
	r := &celRenderer{}
	src, err := r.render(p)
	if err != nil {
		return nil, err
	}
	return &CELExpr{Source: src, Params: r.params}, nil
}

type celRenderer struct {
	params []any
}

func (r *celRenderer) param(v any) string {
	r.params = append(r.params, v)
	return fmt.Sprintf("%s[%d]", CELParams, len(r.params)-1)
}

func ref(f Field) string {
	return CELDocument + "." + f.Name
}

func has(f Field) string {
	return "has(" + ref(f) + ")"
}

func (r *celRenderer) render(p Predicate) (string, error) {
	switch x := p.(type) {
	case Always:
		return "true", nil
	case And:
		return r.join(x.Terms, " && ", "true")
	case Or:
		return r.join(x.Terms, " || ", "false")
	case Compare:
		return fmt.Sprintf("(%s && %s %s %s)", has(x.Field), ref(x.Field), celCmp[x.Op], r.param(x.Value)), nil
	case NotEqual:
		return fmt.Sprintf("!(%s && %s == %s)", has(x.Field), ref(x.Field), r.param(x.Value)), nil
	case Match:
		return r.match(x.Field, x.Mode, x.Pattern), nil
	case NotMatch:
		return "!" + r.match(x.Field, x.Mode, x.Pattern), nil
	case In:
		return r.in(x.Field, x.Values), nil
	case NotIn:
		return "!" + r.in(x.Field, x.Values), nil
	case Empty:
		return emptyCEL(x.Field), nil
	case NotEmpty:
		return "!" + emptyCEL(x.Field), nil
	}
	return "", fmt.Errorf("unsupported predicate %T", p)
}

var celCmp = map[CmpOp]string{Eq: "==", Gt: ">", Gte: ">=", Lt: "<", Lte: "<="}

func (r *celRenderer) join(terms []Predicate, sep, empty string) (string, error) {
	if len(terms) == 0 {
		return empty, nil
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		s, err := r.render(t)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func (r *celRenderer) match(f Field, mode MatchMode, pattern string) string {
	re := "(?i)" + anchoredPattern(mode, pattern)
	return fmt.Sprintf("(%s && %s.matches(%s))", has(f), ref(f), r.param(re))
}

func (r *celRenderer) in(f Field, values []any) string {
	list := r.param(values)
	if f.Type == TypeArray {
		return fmt.Sprintf("(%s && %s.exists(x, x in %s))", has(f), ref(f), list)
	}
	return fmt.Sprintf("(%s && %s in %s)", has(f), ref(f), list)
}

func emptyCEL(f Field) string {
	switch f.Type {
	case TypeString:
		return fmt.Sprintf("(!%s || %s == \"\")", has(f), ref(f))
	case TypeArray:
		return fmt.Sprintf("(!%s || size(%s) == 0)", has(f), ref(f))
	}
	return "!" + has(f)
}
