package nlbridge

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/opensource-finance/heron/internal/domain"
)

// FallbackEntry maps keyword phrases to a rule group. A phrase matches when
// its words appear consecutively in the request text, ignoring case and
// punctuation.
type FallbackEntry struct {
	Keywords    []string
	Description string
	Rules       domain.RuleGroup
}

// FallbackTable is a read-only, versioned keyword table used when the model
// is unavailable or proposes an unusable rule tree.
type FallbackTable struct {
	version string
	entries []FallbackEntry
}

// NewFallbackTable builds a table. Entries are copied.
func NewFallbackTable(version string, entries ...FallbackEntry) *FallbackTable {
	return &FallbackTable{
		version: version,
		entries: append([]FallbackEntry(nil), entries...),
	}
}

// Version identifies the table contents.
func (t *FallbackTable) Version() string {
	return t.version
}

// Len returns the number of entries.
func (t *FallbackTable) Len() int {
	return len(t.entries)
}

// Match returns the AND of every entry whose keywords occur in text, with a
// description listing them. ok is false when nothing matched.
func (t *FallbackTable) Match(text string) (group *domain.RuleGroup, description string, ok bool) {
	haystack := " " + normalizeWords(text) + " "

	var (
		children []domain.Node
		labels   []string
	)
	for i := range t.entries {
		e := &t.entries[i]
		for _, kw := range e.Keywords {
			if strings.Contains(haystack, " "+normalizeWords(kw)+" ") {
				rules := e.Rules
				children = append(children, &rules)
				labels = append(labels, e.Description)
				break
			}
		}
	}
	if len(children) == 0 {
		return nil, "", false
	}
	return domain.And(children...), strings.Join(labels, " and "), true
}

// normalizeWords lower-cases s and collapses every run of non-alphanumeric
// characters into a single space.
func normalizeWords(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}

func leaf(field string, op domain.Operator, v domain.Value, dt domain.DataType) *domain.Rule {
	return &domain.Rule{Field: field, Operator: op, Value: v, DataType: dt}
}

func group(children ...domain.Node) domain.RuleGroup {
	return *domain.And(children...)
}

// FallbackTableV1 is the first keyword table.
func FallbackTableV1() *FallbackTable {
	return NewFallbackTable("v1",
		FallbackEntry{
			Keywords:    []string{"high value", "big spender", "big spenders", "top spenders"},
			Description: "customers who spent at least 1000",
			Rules:       group(leaf("totalSpent", domain.OpGreaterThanOrEqual, domain.NumberValue(1000), domain.TypeNumber)),
		},
		FallbackEntry{
			Keywords:    []string{"low value", "low spenders"},
			Description: "customers who spent less than 100",
			Rules:       group(leaf("totalSpent", domain.OpLessThan, domain.NumberValue(100), domain.TypeNumber)),
		},
		FallbackEntry{
			Keywords:    []string{"vip", "vips"},
			Description: "customers tagged vip",
			Rules:       group(leaf("tags", domain.OpContains, domain.StringValue("vip"), domain.TypeArray)),
		},
		FallbackEntry{
			Keywords:    []string{"inactive", "dormant", "lapsed"},
			Description: "inactive customers",
			Rules:       group(leaf("isActive", domain.OpIsFalse, nil, domain.TypeBoolean)),
		},
		FallbackEntry{
			Keywords:    []string{"active"},
			Description: "active customers",
			Rules:       group(leaf("isActive", domain.OpIsTrue, nil, domain.TypeBoolean)),
		},
		FallbackEntry{
			Keywords:    []string{"churn", "churning", "at risk"},
			Description: "customers at high churn risk",
			Rules:       group(leaf("churnRisk", domain.OpEquals, domain.StringValue("high"), domain.TypeString)),
		},
		FallbackEntry{
			Keywords:    []string{"new customers", "new signups", "recently joined"},
			Description: "customers who registered in the last 30 days",
			Rules:       group(leaf("registrationDate", domain.OpLastNDays, domain.NumberValue(30), domain.TypeDate)),
		},
		FallbackEntry{
			Keywords:    []string{"frequent", "loyal", "repeat"},
			Description: "customers with at least 5 orders",
			Rules:       group(leaf("orderCount", domain.OpGreaterThanOrEqual, domain.NumberValue(5), domain.TypeNumber)),
		},
		FallbackEntry{
			Keywords:    []string{"no orders", "never ordered", "never purchased"},
			Description: "customers without orders",
			Rules:       group(leaf("orderCount", domain.OpEquals, domain.NumberValue(0), domain.TypeNumber)),
		},
		FallbackEntry{
			Keywords:    []string{"not visited", "haven t visited", "havent visited"},
			Description: "customers who have not visited for 30 days",
			Rules:       group(leaf("daysSinceLastVisit", domain.OpGreaterThan, domain.NumberValue(30), domain.TypeNumber)),
		},
		FallbackEntry{
			Keywords:    []string{"recent visitors", "visited this week"},
			Description: "customers who visited in the last 7 days",
			Rules:       group(leaf("lastVisit", domain.OpLastNDays, domain.NumberValue(7), domain.TypeDate)),
		},
	)
}

// FallbackTableFor returns the table for a configured version.
func FallbackTableFor(version string) (*FallbackTable, error) {
	switch version {
	case "", "v1":
		return FallbackTableV1(), nil
	default:
		return nil, fmt.Errorf("unknown fallback table version: %s", version)
	}
}
