package nlbridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/catalog"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/rules"
)

type suggesterFunc func(ctx context.Context, text string) (*Candidate, error)

func (f suggesterFunc) Suggest(ctx context.Context, text string) (*Candidate, error) {
	return f(ctx, text)
}

func mustCandidate(t *testing.T, rulesJSON string) *Candidate {
	t.Helper()
	var g domain.RuleGroup
	require.NoError(t, json.Unmarshal([]byte(rulesJSON), &g))
	return &Candidate{Rules: g, Description: "from model", Confidence: domain.ConfidenceHigh}
}

// assertCompiles checks the outcome's rules pass the same validator a user
// authored tree goes through.
func assertCompiles(t *testing.T, out Outcome) {
	t.Helper()
	require.NotNil(t, out.Rules)
	_, err := rules.NewCompiler(nil).Compile(*out.Rules)
	assert.NoError(t, err)
}

func TestSuggestSuccess(t *testing.T) {
	model := suggesterFunc(func(ctx context.Context, text string) (*Candidate, error) {
		return mustCandidate(t, `{"logic":"and","rules":[
			{"field":"totalSpent","operator":"greater_than","value":500,"dataType":"number"},
			{"field":"lastVisit","operator":"greater_than","value":"2026-01-01"}]}`), nil
	})
	b := New(nil, model, nil)

	out := b.Suggest(context.Background(), "customers who spent over 500 and visited this year")

	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, domain.ConfidenceHigh, out.Confidence)
	assert.Equal(t, "from model", out.Description)
	require.NotNil(t, out.Rules)
	assert.Equal(t, domain.LogicAnd, out.Rules.Logic)

	visit, ok := out.Rules.Children[1].(*domain.Rule)
	require.True(t, ok)
	assert.IsType(t, domain.DateValue{}, visit.Value)
	assert.Equal(t, domain.TypeDate, visit.DataType)
	assertCompiles(t, out)
}

func TestSuggestModelConfidence(t *testing.T) {
	tests := []struct {
		given domain.Confidence
		want  domain.Confidence
	}{
		{domain.ConfidenceHigh, domain.ConfidenceHigh},
		{domain.ConfidenceMedium, domain.ConfidenceMedium},
		{domain.ConfidenceLow, domain.ConfidenceMedium},
		{"certain", domain.ConfidenceHigh},
		{"", domain.ConfidenceHigh},
	}

	for _, tt := range tests {
		t.Run(string(tt.given), func(t *testing.T) {
			model := suggesterFunc(func(ctx context.Context, text string) (*Candidate, error) {
				c := mustCandidate(t, `{"logic":"AND","rules":[{"field":"isActive","operator":"is_true","dataType":"boolean"}]}`)
				c.Confidence = tt.given
				return c, nil
			})

			out := New(nil, model, nil).Suggest(context.Background(), "active people")
			assert.Equal(t, StatusSuccess, out.Status)
			assert.Equal(t, tt.want, out.Confidence)
		})
	}
}

func TestSuggestFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		model Suggester
	}{
		{"NoModel", nil},
		{"TransportError", suggesterFunc(func(ctx context.Context, text string) (*Candidate, error) {
			return nil, errors.New("connection refused")
		})},
		{"Timeout", suggesterFunc(func(ctx context.Context, text string) (*Candidate, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})},
		{"NilCandidate", suggesterFunc(func(ctx context.Context, text string) (*Candidate, error) {
			return nil, nil
		})},
		{"UnknownField", suggesterFunc(func(ctx context.Context, text string) (*Candidate, error) {
			return mustCandidate(t, `{"logic":"AND","rules":[{"field":"lifetimeValue","operator":"greater_than","value":1000}]}`), nil
		})},
		{"WrongOperator", suggesterFunc(func(ctx context.Context, text string) (*Candidate, error) {
			return mustCandidate(t, `{"logic":"AND","rules":[{"field":"isActive","operator":"greater_than","value":1}]}`), nil
		})},
		{"StringForNumber", suggesterFunc(func(ctx context.Context, text string) (*Candidate, error) {
			return mustCandidate(t, `{"logic":"AND","rules":[{"field":"totalSpent","operator":"greater_than","value":"1000"}]}`), nil
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(nil, tt.model, nil, WithTimeout(20*time.Millisecond))

			out := b.Suggest(context.Background(), "Show me high value VIP customers")

			assert.Equal(t, StatusFallback, out.Status)
			assert.Equal(t, domain.ConfidenceLow, out.Confidence)
			assert.True(t, strings.HasPrefix(out.Description, "Fallback: "), out.Description)
			require.NotNil(t, out.Rules)
			assert.Len(t, out.Rules.Children, 2)
			assertCompiles(t, out)
		})
	}
}

func TestSuggestFailure(t *testing.T) {
	b := New(nil, nil, nil)

	out := b.Suggest(context.Background(), "people who like jazz")
	assert.Equal(t, StatusFailure, out.Status)
	assert.Nil(t, out.Rules)
	assert.NotEmpty(t, out.Reason)

	out = b.Suggest(context.Background(), "   ")
	assert.Equal(t, StatusFailure, out.Status)
	assert.Equal(t, "text is required", out.Reason)
}

func TestSuggestInvalidFallbackTableFails(t *testing.T) {
	table := NewFallbackTable("broken", FallbackEntry{
		Keywords:    []string{"jazz"},
		Description: "jazz fans",
		Rules:       group(leaf("favouriteGenre", domain.OpEquals, domain.StringValue("jazz"), domain.TypeString)),
	})

	out := New(nil, nil, table).Suggest(context.Background(), "jazz lovers")
	assert.Equal(t, StatusFailure, out.Status)
	assert.Nil(t, out.Rules)
}

func TestFallbackTableV1(t *testing.T) {
	table := FallbackTableV1()
	compiler := rules.NewCompiler(nil)

	t.Run("EveryEntryValidates", func(t *testing.T) {
		for _, e := range table.entries {
			_, err := compiler.ValidateGroup(&e.Rules)
			assert.NoError(t, err, e.Description)
		}
	})

	t.Run("WholeWordMatching", func(t *testing.T) {
		g, desc, ok := table.Match("Inactive customers")
		require.True(t, ok)
		require.Len(t, g.Children, 1)
		assert.Equal(t, "inactive customers", desc)

		r := g.Children[0].(*domain.RuleGroup).Children[0].(*domain.Rule)
		assert.Equal(t, domain.OpIsFalse, r.Operator)
	})

	t.Run("PunctuationIgnored", func(t *testing.T) {
		g, _, ok := table.Match("High-value, loyal shoppers!")
		require.True(t, ok)
		assert.Len(t, g.Children, 2)
	})

	t.Run("NoMatch", func(t *testing.T) {
		_, _, ok := table.Match("valuable")
		assert.False(t, ok)
	})

	t.Run("Versions", func(t *testing.T) {
		v1, err := FallbackTableFor("v1")
		require.NoError(t, err)
		assert.Equal(t, "v1", v1.Version())
		assert.Equal(t, table.Len(), v1.Len())

		_, err = FallbackTableFor("v9")
		assert.Error(t, err)
	})
}

func TestParseAnswer(t *testing.T) {
	t.Run("CodeFence", func(t *testing.T) {
		cand, err := ParseAnswer("```json\n{\"rules\":{\"logic\":\"OR\",\"rules\":[]},\"description\":\"all\",\"confidence\":\"Medium\"}\n```")
		require.NoError(t, err)
		assert.Equal(t, domain.LogicOr, cand.Rules.Logic)
		assert.Equal(t, domain.ConfidenceMedium, cand.Confidence)
		assert.Equal(t, "all", cand.Description)
	})

	t.Run("NotJSON", func(t *testing.T) {
		_, err := ParseAnswer("Sure! Here are your rules.")
		assert.Error(t, err)
	})

	t.Run("MissingRules", func(t *testing.T) {
		_, err := ParseAnswer(`{"description":"nothing"}`)
		assert.Error(t, err)
	})

	t.Run("MalformedTree", func(t *testing.T) {
		_, err := ParseAnswer(`{"rules":{"logic":"AND","rules":[{"value":3}]}}`)
		assert.Error(t, err)
	})
}

func TestChatClient(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)

		content := `{"rules":{"logic":"AND","rules":[{"field":"city","operator":"equals","value":"Mumbai","dataType":"string"}]},"description":"Mumbai customers","confidence":"high"}`
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		})
	}))
	defer srv.Close()

	client := NewChatClient(domain.BridgeConfig{Endpoint: srv.URL, Model: "test-model", APIKey: "secret"}, nil, srv.Client())

	cand, err := client.Suggest(context.Background(), "customers in Mumbai")
	require.NoError(t, err)
	assert.Equal(t, "Mumbai customers", cand.Description)
	require.Len(t, cand.Rules.Children, 1)
	assert.Equal(t, "city", cand.Rules.Children[0].(*domain.Rule).Field)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "customers in Mumbai", got.Messages[1].Content)
	assert.Contains(t, got.Messages[0].Content, "churnRisk (string)")
}

func TestChatClientErrors(t *testing.T) {
	t.Run("Status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer srv.Close()

		_, err := NewChatClient(domain.BridgeConfig{Endpoint: srv.URL}, nil, srv.Client()).Suggest(context.Background(), "x")
		assert.ErrorContains(t, err, "429")
	})

	t.Run("NoChoices", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}))
		defer srv.Close()

		_, err := NewChatClient(domain.BridgeConfig{Endpoint: srv.URL}, nil, srv.Client()).Suggest(context.Background(), "x")
		assert.Error(t, err)
	})

	t.Run("BridgeFallsBackOnMalformedContent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{rules: nope"}}]}`))
		}))
		defer srv.Close()

		client := NewChatClient(domain.BridgeConfig{Endpoint: srv.URL}, catalog.Default(), srv.Client())
		out := New(nil, client, nil).Suggest(context.Background(), "vip customers")
		assert.Equal(t, StatusFallback, out.Status)
		assert.Equal(t, domain.ConfidenceLow, out.Confidence)
	})
}

func TestBridgeDefaults(t *testing.T) {
	b := New(nil, nil, nil)
	assert.False(t, b.ModelEnabled())
	assert.Equal(t, "v1", b.FallbackVersion())

	model := suggesterFunc(func(ctx context.Context, text string) (*Candidate, error) {
		return nil, errors.New("unused")
	})
	assert.True(t, New(nil, model, nil).ModelEnabled())
}
