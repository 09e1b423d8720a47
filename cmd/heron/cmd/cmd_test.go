package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/audience"
	"github.com/opensource-finance/heron/internal/catalog"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/query"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/segment"
)

const sampleRules = `{
	"logic": "AND",
	"rules": [
		{"field": "totalSpent", "operator": "greater_than", "value": 1000, "dataType": "number"},
		{"logic": "OR", "rules": [
			{"field": "tags", "operator": "contains", "value": "vip"},
			{"field": "orderCount", "operator": "greater_than", "value": 5, "dataType": "number"}
		]}
	]
}`

func TestDecodeGroups(t *testing.T) {
	t.Run("bare group", func(t *testing.T) {
		groups, err := decodeGroups([]byte(sampleRules))
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Len(t, groups[0].Children, 2)
	})

	t.Run("ruleGroups envelope", func(t *testing.T) {
		groups, err := decodeGroups([]byte(`{"ruleGroups": [` + sampleRules + `, {"logic": "OR", "rules": []}]}`))
		require.NoError(t, err)
		assert.Len(t, groups, 2)
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := decodeGroups([]byte(`[1, 2]`))
		assert.Error(t, err)
	})
}

func TestWriteExplain(t *testing.T) {
	groups, err := decodeGroups([]byte(sampleRules))
	require.NoError(t, err)
	compiled, err := rules.NewCompiler(catalog.Default()).Compile(groups...)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeExplain(&buf, compiled, "acme", query.Postgres))

	out := buf.String()
	for _, section := range []string{"-- rules", "-- filter", "-- sql count", "-- sql sample", "-- mongo", "-- cel"} {
		assert.Contains(t, out, section)
	}
	assert.Contains(t, out, "order_stats")
	assert.Contains(t, out, "$match")
	assert.Contains(t, out, "acme")
}

func TestExplainCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(sampleRules))
	rootCmd.SetArgs([]string{"explain", "--dialect", "sqlite"})
	t.Cleanup(func() {
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "-- sql count")
}

func TestExplainRejectsInvalidRules(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(`{"logic":"AND","rules":[{"field":"shoeSize","operator":"equals","value":9}]}`))
	rootCmd.SetArgs([]string{"explain", "-"})
	t.Cleanup(func() {
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	require.Error(t, err)
	var unknown *domain.UnknownFieldError
	assert.ErrorAs(t, err, &unknown)
}

func TestFieldsCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"fields", "--json"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())

	var meta catalog.Metadata
	require.NoError(t, json.Unmarshal(out.Bytes(), &meta))
	assert.Len(t, meta.Fields, len(catalog.Default().Fields()))
}

func TestRecalculate(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.NewMemoryRepository()
	require.NoError(t, err)

	for _, c := range []*domain.Customer{
		{ID: "c1", Name: "Ann", TotalSpent: 1500, IsActive: true},
		{ID: "c2", Name: "Ben", TotalSpent: 200, IsActive: true},
		{ID: "c3", Name: "Cat", TotalSpent: 50},
	} {
		require.NoError(t, repo.SaveCustomer(ctx, "acme", c))
	}

	svc := segment.NewService(repo, audience.NewEvaluator(repo, nil))
	seg, err := svc.Create(ctx, "acme", segment.Input{
		Name: "Active",
		RuleGroups: []domain.RuleGroup{{
			Logic:    domain.LogicAnd,
			Children: []domain.Node{&domain.Rule{Field: "isActive", Operator: domain.OpIsTrue, DataType: domain.TypeBoolean}},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), seg.AudienceSize)

	require.NoError(t, repo.SaveCustomer(ctx, "acme", &domain.Customer{ID: "c4", Name: "Dan", IsActive: true}))

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	require.NoError(t, recalculate(ctx, cmd, repo, "acme", nil))
	assert.Contains(t, out.String(), "Active")

	got, err := repo.GetSegment(ctx, "acme", seg.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.AudienceSize)

	out.Reset()
	err = recalculate(ctx, cmd, repo, "acme", []string{"missing"})
	assert.Error(t, err)
	assert.Contains(t, out.String(), "missing")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(domain.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	logger = newLogger(domain.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
	logger.Debug("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}
