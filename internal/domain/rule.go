package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxRuleDepth caps how deeply rule groups may nest.
const MaxRuleDepth = 10

// Operator is a rule comparison operator.
// The zero value is OpInvalid, which is what unknown operator names decode to.
type Operator uint8

const (
	OpInvalid Operator = iota
	OpEquals
	OpNotEquals
	OpGreaterThan
	OpGreaterThanOrEqual
	OpLessThan
	OpLessThanOrEqual
	OpContains
	OpNotContains
	OpStartsWith
	OpEndsWith
	OpIn
	OpNotIn
	OpBetween
	OpLastNDays
	OpNextNDays
	OpIsEmpty
	OpIsNotEmpty
	OpIsTrue
	OpIsFalse

	// NumOperators is one past the last valid operator.
	NumOperators
)

var operatorNames = [NumOperators]string{
	OpInvalid:            "",
	OpEquals:             "equals",
	OpNotEquals:          "not_equals",
	OpGreaterThan:        "greater_than",
	OpGreaterThanOrEqual: "greater_than_or_equal",
	OpLessThan:           "less_than",
	OpLessThanOrEqual:    "less_than_or_equal",
	OpContains:           "contains",
	OpNotContains:        "not_contains",
	OpStartsWith:         "starts_with",
	OpEndsWith:           "ends_with",
	OpIn:                 "in",
	OpNotIn:              "not_in",
	OpBetween:            "between",
	OpLastNDays:          "last_n_days",
	OpNextNDays:          "next_n_days",
	OpIsEmpty:            "is_empty",
	OpIsNotEmpty:         "is_not_empty",
	OpIsTrue:             "is_true",
	OpIsFalse:            "is_false",
}

// Operators returns every valid operator in declaration order.
func Operators() []Operator {
	ops := make([]Operator, 0, NumOperators-1)
	for op := OpInvalid + 1; op < NumOperators; op++ {
		ops = append(ops, op)
	}
	return ops
}

// ParseOperator maps a wire name to an Operator. Unknown names yield OpInvalid.
func ParseOperator(name string) Operator {
	for op := OpInvalid + 1; op < NumOperators; op++ {
		if operatorNames[op] == name {
			return op
		}
	}
	return OpInvalid
}

func (o Operator) String() string {
	if o >= NumOperators {
		return ""
	}
	return operatorNames[o]
}

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	return o > OpInvalid && o < NumOperators
}

// TakesValue reports whether rules using o carry a value.
func (o Operator) TakesValue() bool {
	switch o {
	case OpIsEmpty, OpIsNotEmpty, OpIsTrue, OpIsFalse:
		return false
	}
	return true
}

func (o Operator) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Operator) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("operator must be a string: %w", err)
	}
	*o = ParseOperator(name)
	return nil
}

// DataType is the declared type of a rule value and of a catalog field.
type DataType string

const (
	TypeNumber  DataType = "number"
	TypeString  DataType = "string"
	TypeDate    DataType = "date"
	TypeBoolean DataType = "boolean"
	TypeArray   DataType = "array"
)

// DataTypes returns the supported data types.
func DataTypes() []DataType {
	return []DataType{TypeNumber, TypeString, TypeDate, TypeBoolean, TypeArray}
}

// Valid reports whether t is a supported data type.
func (t DataType) Valid() bool {
	switch t {
	case TypeNumber, TypeString, TypeDate, TypeBoolean, TypeArray:
		return true
	}
	return false
}

// Logic combines the children of a RuleGroup.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Valid reports whether l is AND or OR.
func (l Logic) Valid() bool {
	return l == LogicAnd || l == LogicOr
}

func (l *Logic) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("logic must be a string: %w", err)
	}
	*l = Logic(strings.ToUpper(strings.TrimSpace(s)))
	return nil
}

// Node is an element of a rule tree: either *Rule or *RuleGroup.
type Node interface {
	isNode()
}

// Rule is a single field/operator/value predicate.
type Rule struct {
	ID       string   `json:"id,omitempty"`
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    Value    `json:"value,omitempty"`
	DataType DataType `json:"dataType"`
}

// RuleGroup is a boolean combination of rules and nested groups.
type RuleGroup struct {
	ID       string
	Logic    Logic
	Children []Node
}

func (*Rule) isNode()      {}
func (*RuleGroup) isNode() {}

// And builds an AND group over children.
func And(children ...Node) *RuleGroup {
	return &RuleGroup{Logic: LogicAnd, Children: children}
}

// Or builds an OR group over children.
func Or(children ...Node) *RuleGroup {
	return &RuleGroup{Logic: LogicOr, Children: children}
}

// Depth returns the nesting depth of g; a group with only rules has depth 1.
func (g *RuleGroup) Depth() int {
	max := 0
	for _, child := range g.Children {
		if sub, ok := child.(*RuleGroup); ok {
			if d := sub.Depth(); d > max {
				max = d
			}
		}
	}
	return max + 1
}

// RuleCount returns the number of leaf rules in g.
func (g *RuleGroup) RuleCount() int {
	n := 0
	for _, child := range g.Children {
		switch c := child.(type) {
		case *Rule:
			n++
		case *RuleGroup:
			n += c.RuleCount()
		}
	}
	return n
}

type groupJSON struct {
	ID    string `json:"id,omitempty"`
	Logic Logic  `json:"logic"`
	Rules []Node `json:"rules"`
}

// MarshalJSON emits every child in the mixed "rules" array so order survives.
func (g RuleGroup) MarshalJSON() ([]byte, error) {
	children := g.Children
	if children == nil {
		children = []Node{}
	}
	return json.Marshal(groupJSON{ID: g.ID, Logic: g.Logic, Rules: children})
}

func (g *RuleGroup) UnmarshalJSON(data []byte) error {
	decoded, err := decodeGroup(data, "$", 1)
	if err != nil {
		return err
	}
	*g = *decoded
	return nil
}

// DecodeRuleGroups decodes a JSON array of rule groups. Error paths are
// rooted at $[i], or at $ when there is a single group.
func DecodeRuleGroups(data []byte) ([]RuleGroup, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, &InvalidRuleError{Path: "$", Reason: "ruleGroups must be an array of rule groups"}
	}

	groups := make([]RuleGroup, len(raws))
	for i, raw := range raws {
		path := "$"
		if len(raws) > 1 {
			path = fmt.Sprintf("$[%d]", i)
		}
		g, err := decodeGroup(raw, path, 1)
		if err != nil {
			return nil, err
		}
		groups[i] = *g
	}
	return groups, nil
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	decoded, err := decodeRule(data, "$")
	if err != nil {
		return err
	}
	*r = *decoded
	return nil
}

type nodeWire struct {
	Type     string            `json:"type"`
	ID       string            `json:"id"`
	Field    *string           `json:"field"`
	Operator Operator          `json:"operator"`
	Value    json.RawMessage   `json:"value"`
	DataType DataType          `json:"dataType"`
	Logic    *Logic            `json:"logic"`
	Rules    []json.RawMessage `json:"rules"`
	Groups   []json.RawMessage `json:"groups"`
}

func decodeGroup(data []byte, path string, depth int) (*RuleGroup, error) {
	if depth > MaxRuleDepth {
		return nil, &InvalidRuleError{Path: path, Reason: fmt.Sprintf("rule groups nest deeper than %d levels", MaxRuleDepth)}
	}

	var w nodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &InvalidRuleError{Path: path, Reason: "malformed rule group: " + err.Error()}
	}
	if w.Field != nil || w.Type == "rule" {
		return nil, &InvalidRuleError{RuleID: w.ID, Path: path, Reason: "expected a rule group, got a rule"}
	}

	g := &RuleGroup{ID: w.ID, Logic: LogicAnd}
	if w.Logic != nil {
		g.Logic = *w.Logic
	}

	for i, raw := range w.Rules {
		child, err := decodeNode(raw, fmt.Sprintf("%s.rules[%d]", path, i), depth)
		if err != nil {
			return nil, err
		}
		g.Children = append(g.Children, child)
	}
	for i, raw := range w.Groups {
		sub, err := decodeGroup(raw, fmt.Sprintf("%s.groups[%d]", path, i), depth+1)
		if err != nil {
			return nil, err
		}
		g.Children = append(g.Children, sub)
	}

	return g, nil
}

// decodeNode decides between rule and group from explicit keys only.
func decodeNode(data []byte, path string, depth int) (Node, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &InvalidRuleError{Path: path, Reason: "rule tree node must be an object"}
	}

	var kind string
	if raw, ok := probe["type"]; ok {
		_ = json.Unmarshal(raw, &kind)
	}
	_, hasField := probe["field"]
	_, hasLogic := probe["logic"]

	isRule := hasField || kind == "rule"
	isGroup := hasLogic || kind == "group"

	switch {
	case isRule && isGroup:
		return nil, &InvalidRuleError{Path: path, Reason: "node carries both field and logic"}
	case isRule:
		return decodeRule(data, path)
	case isGroup:
		return decodeGroup(data, path, depth+1)
	default:
		return nil, &InvalidRuleError{Path: path, Reason: "node carries neither field nor logic"}
	}
}

func decodeRule(data []byte, path string) (*Rule, error) {
	var w nodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &InvalidRuleError{Path: path, Reason: "malformed rule: " + err.Error()}
	}

	r := &Rule{ID: w.ID, Operator: w.Operator, DataType: w.DataType}
	if w.Field != nil {
		r.Field = *w.Field
	}

	v, err := decodeValue(w.Value)
	if err != nil {
		return nil, &InvalidRuleError{RuleID: r.ID, Path: path, Field: r.Field, Reason: err.Error()}
	}
	r.Value = v

	return r, nil
}

// Value is the closed set of rule value variants.
type Value interface {
	isValue()
}

// NumberValue is a numeric rule value.
type NumberValue float64

// StringValue is a string rule value. Date rules arrive as strings and are
// normalized to DateValue by validation.
type StringValue string

// DateValue is a UTC instant.
type DateValue time.Time

// BoolValue is a boolean rule value.
type BoolValue bool

// ArrayValue is a list of scalar values.
type ArrayValue []Value

func (NumberValue) isValue() {}
func (StringValue) isValue() {}
func (DateValue) isValue()   {}
func (BoolValue) isValue()   {}
func (ArrayValue) isValue()  {}

// Time returns the instant as a time.Time in UTC.
func (d DateValue) Time() time.Time {
	return time.Time(d).UTC()
}

func (d DateValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Time().Format(time.RFC3339))
}

func decodeValue(raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("malformed value: %w", err)
	}
	return toValue(generic, true)
}

func toValue(v any, allowArray bool) (Value, error) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("value %s is not a finite number", x)
		}
		return NumberValue(f), nil
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	case []any:
		if !allowArray {
			return nil, fmt.Errorf("nested arrays are not allowed in rule values")
		}
		arr := make(ArrayValue, 0, len(x))
		for _, elem := range x {
			ev, err := toValue(elem, false)
			if err != nil {
				return nil, err
			}
			if ev == nil {
				return nil, fmt.Errorf("array values must not contain null")
			}
			arr = append(arr, ev)
		}
		return arr, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("value must be a number, string, boolean or array")
	}
}
