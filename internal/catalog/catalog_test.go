package catalog

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/query"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()

	t.Run("KnownFields", func(t *testing.T) {
		for _, name := range []string{
			"name", "email", "phone", "city", "country", "churnRisk",
			"totalSpent", "visitCount", "tags", "isActive", "registrationDate", "lastVisit",
			"orderCount", "averageOrderValue", "lastOrderDaysAgo", "daysSinceLastVisit", "registrationDaysAgo",
		} {
			assert.True(t, c.IsValidField(name), name)
		}
		assert.False(t, c.IsValidField("ssn"))
	})

	t.Run("UnknownField", func(t *testing.T) {
		_, err := c.DataTypeOf("ssn")
		var unknown *domain.UnknownFieldError
		require.True(t, errors.As(err, &unknown))
		assert.Equal(t, "ssn", unknown.Field)
	})

	t.Run("ChurnRiskIsClosed", func(t *testing.T) {
		f, err := c.Lookup("churnRisk")
		require.NoError(t, err)
		assert.True(t, f.HasOption("high"))
		assert.False(t, f.HasOption("extreme"))
		assert.False(t, f.HasOperator(domain.OpContains))
	})

	t.Run("DerivedFieldsCarryStorage", func(t *testing.T) {
		f, err := c.Lookup("lastOrderDaysAgo")
		require.NoError(t, err)
		assert.True(t, f.Derived)
		assert.True(t, f.Storage.NeedsOrders())
		assert.Equal(t, query.TypeNumber, f.Storage.Type)
		assert.Equal(t, "lastOrderDaysAgo", f.Storage.Name)

		f, err = c.Lookup("registrationDaysAgo")
		require.NoError(t, err)
		assert.False(t, f.Storage.NeedsOrders())
		assert.Equal(t, "registration_date", f.Storage.SourceColumn)
	})

	t.Run("FieldOperatorsWithinType", func(t *testing.T) {
		for _, f := range c.Fields() {
			for _, op := range f.Operators {
				assert.Contains(t, TypeOperators[f.DataType], op, "%s/%s", f.Name, op)
			}
		}
	})

	t.Run("AllowedOperatorsIsACopy", func(t *testing.T) {
		ops, err := c.AllowedOperators("isActive")
		require.NoError(t, err)
		assert.Equal(t, []domain.Operator{domain.OpIsTrue, domain.OpIsFalse}, ops)

		ops[0] = domain.OpEquals
		again, _ := c.AllowedOperators("isActive")
		assert.Equal(t, domain.OpIsTrue, again[0])
	})
}

func TestEntriesAreCopies(t *testing.T) {
	c := Default()

	f, err := c.Lookup("churnRisk")
	require.NoError(t, err)
	f.DataType = domain.TypeNumber
	f.Operators[0] = domain.OpIsTrue
	f.Options[0] = "none"
	f.Storage.Column = "dropped"

	fields := c.Fields()
	for i := range fields {
		if fields[i].Name == "churnRisk" {
			fields[i].Options[1] = "none"
		}
	}

	again, err := c.Lookup("churnRisk")
	require.NoError(t, err)
	assert.Equal(t, domain.TypeString, again.DataType)
	assert.Equal(t, domain.OpEquals, again.Operators[0])
	assert.Equal(t, ChurnRiskOptions, again.Options)
	assert.Equal(t, "churn_risk", again.Storage.Column)
	assert.Equal(t, []string{"low", "medium", "high"}, ChurnRiskOptions)
}

func TestNewRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name  string
		field Field
	}{
		{"NoName", Field{DataType: domain.TypeString, Storage: query.Field{Column: "x"}}},
		{"BadType", Field{Name: "x", DataType: "money", Storage: query.Field{Column: "x"}}},
		{"OperatorOutsideType", Field{Name: "x", DataType: domain.TypeBoolean,
			Operators: []domain.Operator{domain.OpContains}, Storage: query.Field{Column: "x"}}},
		{"NoColumn", Field{Name: "x", DataType: domain.TypeNumber}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.field)
			assert.Error(t, err)
		})
	}

	_, err := New(
		Field{Name: "x", DataType: domain.TypeNumber, Storage: query.Field{Column: "x"}},
		Field{Name: "x", DataType: domain.TypeNumber, Storage: query.Field{Column: "x"}},
	)
	assert.Error(t, err)
}

func TestMetadataJSON(t *testing.T) {
	data, err := json.Marshal(Default().Metadata())
	require.NoError(t, err)

	var out struct {
		Fields []struct {
			Name      string   `json:"name"`
			DataType  string   `json:"dataType"`
			Operators []string `json:"operators"`
			Derived   bool     `json:"derived"`
		} `json:"fields"`
		Operators map[string][]string `json:"operators"`
	}
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Len(t, out.Operators, 5)
	assert.Equal(t, []string{"is_true", "is_false"}, out.Operators["boolean"])
	assert.Equal(t, "name", out.Fields[0].Name)
	assert.Contains(t, out.Fields[0].Operators, "starts_with")
}
