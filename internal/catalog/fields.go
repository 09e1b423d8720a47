package catalog

import (
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/query"
)

// ChurnRiskOptions is the closed value set of churnRisk.
var ChurnRiskOptions = []string{"low", "medium", "high"}

var defaultCatalog = MustNew(
	Field{Name: "name", Label: "Name", DataType: domain.TypeString,
		Storage: query.Field{Column: "name"}},
	Field{Name: "email", Label: "Email", DataType: domain.TypeString,
		Storage: query.Field{Column: "email"}},
	Field{Name: "phone", Label: "Phone", DataType: domain.TypeString,
		Storage: query.Field{Column: "phone"}},
	Field{Name: "city", Label: "City", DataType: domain.TypeString,
		Storage: query.Field{Column: "city"}},
	Field{Name: "country", Label: "Country", DataType: domain.TypeString,
		Storage: query.Field{Column: "country"}},
	Field{Name: "churnRisk", Label: "Churn risk", DataType: domain.TypeString,
		Operators: []domain.Operator{
			domain.OpEquals, domain.OpNotEquals, domain.OpIn, domain.OpNotIn,
			domain.OpIsEmpty, domain.OpIsNotEmpty,
		},
		Options: ChurnRiskOptions,
		Storage: query.Field{Column: "churn_risk"}},
	Field{Name: "totalSpent", Label: "Total spent", DataType: domain.TypeNumber,
		Storage: query.Field{Column: "total_spent"}},
	Field{Name: "visitCount", Label: "Visit count", DataType: domain.TypeNumber,
		Storage: query.Field{Column: "visit_count"}},
	Field{Name: "tags", Label: "Tags", DataType: domain.TypeArray,
		Storage: query.Field{Column: "tags"}},
	Field{Name: "isActive", Label: "Active", DataType: domain.TypeBoolean,
		Storage: query.Field{Column: "is_active"}},
	Field{Name: "registrationDate", Label: "Registration date", DataType: domain.TypeDate,
		Storage: query.Field{Column: "registration_date"}},
	Field{Name: "lastVisit", Label: "Last visit", DataType: domain.TypeDate,
		Storage: query.Field{Column: "last_visit"}},

	Field{Name: "orderCount", Label: "Order count", DataType: domain.TypeNumber,
		Description: "Number of orders; 0 when the customer has none.",
		Storage:     query.Field{Column: "order_count", Derive: query.DeriveOrderCount}},
	Field{Name: "averageOrderValue", Label: "Average order value", DataType: domain.TypeNumber,
		Description: "Mean order amount; empty when the customer has no orders.",
		Storage:     query.Field{Column: "average_order_value", Derive: query.DeriveAverageOrderValue}},
	Field{Name: "lastOrderDaysAgo", Label: "Days since last order", DataType: domain.TypeNumber,
		Description: "Whole days since the latest order; empty when the customer has no orders.",
		Storage:     query.Field{Column: "last_order_days_ago", Derive: query.DeriveDaysSinceLastOrder}},
	Field{Name: "daysSinceLastVisit", Label: "Days since last visit", DataType: domain.TypeNumber,
		Description: "Whole days since lastVisit; empty when lastVisit is unknown.",
		Storage: query.Field{Column: "days_since_last_visit", Derive: query.DeriveDaysSince,
			Source: "lastVisit", SourceColumn: "last_visit"}},
	Field{Name: "registrationDaysAgo", Label: "Days since registration", DataType: domain.TypeNumber,
		Description: "Whole days since registrationDate; empty when it is unknown.",
		Storage: query.Field{Column: "registration_days_ago", Derive: query.DeriveDaysSince,
			Source: "registrationDate", SourceColumn: "registration_date"}},
)

// Default returns the built-in customer catalog.
func Default() *Catalog {
	return defaultCatalog
}
