package audience

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
)

const (
	fixtureTenant  = "tenant-fixture"
	scenarioTenant = "tenant-scenario"
	unicodeTenant  = "tenant-unicode"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func at(days int) *time.Time {
	t := testNow.AddDate(0, 0, days)
	return &t
}

// fixtureCustomers covers every null shape the catalog allows.
func fixtureCustomers() []*domain.Customer {
	return []*domain.Customer{
		{ID: "c1-alice", Name: "Alice", Email: "alice@example.com", Phone: "555-0100", City: "Mumbai", Country: "IN",
			TotalSpent: 1200, VisitCount: 8, ChurnRisk: "low", Tags: []string{"vip", "newsletter"}, IsActive: true,
			RegistrationDate: at(-400), LastVisit: at(-2)},
		{ID: "c2-bob", Name: "Bob", Email: "bob@example.com", City: "Mumbai", Country: "IN",
			TotalSpent: 300, VisitCount: 1, ChurnRisk: "high", IsActive: false,
			RegistrationDate: at(-30)},
		{ID: "c3-carol", Name: "Carol", City: "Delhi", Country: "IN",
			TotalSpent: 1500, VisitCount: 10, Tags: []string{"VIP"}, IsActive: true,
			LastVisit: at(-45)},
		{ID: "c4-dave", Name: "Dave", Email: "dave@shop.example", Phone: "555-0199", City: "Pune",
			TotalSpent: 0, VisitCount: 0, ChurnRisk: "medium", Tags: []string{"new"}, IsActive: true,
			RegistrationDate: at(3), LastVisit: at(0)},
		{ID: "c5-erin", Name: "Erin", Email: "erin@example.org", Country: "US",
			TotalSpent: 2000, VisitCount: 3, ChurnRisk: "low", Tags: []string{"vip", "new"}, IsActive: false,
			RegistrationDate: at(-90), LastVisit: at(-10)},
		{ID: "c6-frank", Name: "Frank", City: "mumbai", Country: "us",
			TotalSpent: 50, VisitCount: 2, IsActive: false},
	}
}

func fixtureOrders() []*domain.Order {
	var orders []*domain.Order
	for i := 1; i <= 6; i++ {
		orders = append(orders, &domain.Order{
			ID: "o-alice-" + string(rune('0'+i)), CustomerID: "c1-alice", Amount: 200, OrderDate: *at(-5 * i),
		})
	}
	return append(orders,
		&domain.Order{ID: "o-bob-1", CustomerID: "c2-bob", Amount: 300, OrderDate: *at(-40)},
		&domain.Order{ID: "o-erin-1", CustomerID: "c5-erin", Amount: 100, OrderDate: *at(-100)},
		&domain.Order{ID: "o-erin-2", CustomerID: "c5-erin", Amount: 300, OrderDate: *at(-120)},
	)
}

func fixtureIDs() []string {
	var ids []string
	for _, c := range fixtureCustomers() {
		ids = append(ids, c.ID)
	}
	return ids
}

// seedScenario stores the three-customer example: only Alice both spends
// over 1000 and has ordered.
func seedScenario(t *testing.T, repo domain.Repository) {
	t.Helper()
	ctx := context.Background()

	for _, c := range []*domain.Customer{
		{ID: "alice", Name: "Alice", TotalSpent: 1200},
		{ID: "bob", Name: "Bob", TotalSpent: 300},
		{ID: "carol", Name: "Carol", TotalSpent: 1500},
	} {
		require.NoError(t, repo.SaveCustomer(ctx, scenarioTenant, c))
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, repo.SaveOrder(ctx, scenarioTenant, &domain.Order{
			ID: "a" + string(rune('0'+i)), CustomerID: "alice", Amount: 200, OrderDate: *at(-i - 1),
		}))
	}
	require.NoError(t, repo.SaveOrder(ctx, scenarioTenant, &domain.Order{
		ID: "b0", CustomerID: "bob", Amount: 300, OrderDate: *at(-3),
	}))
}

type store struct {
	name string
	repo domain.Repository
}

// newStores returns a seeded SQLite store and a seeded in-memory store.
func newStores(t *testing.T) []store {
	t.Helper()
	ctx := context.Background()

	sqliteRepo, err := repository.New(ctx, domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "audience.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { sqliteRepo.Close() })

	memRepo, err := repository.New(ctx, domain.RepositoryConfig{Driver: "memory"})
	require.NoError(t, err)

	stores := []store{{"sqlite", sqliteRepo}, {"memory", memRepo}}
	for _, s := range stores {
		for _, c := range fixtureCustomers() {
			require.NoError(t, s.repo.SaveCustomer(ctx, fixtureTenant, c))
		}
		for _, o := range fixtureOrders() {
			require.NoError(t, s.repo.SaveOrder(ctx, fixtureTenant, o))
		}
		seedScenario(t, s.repo)
		for _, c := range unicodeCustomers() {
			require.NoError(t, s.repo.SaveCustomer(ctx, unicodeTenant, c))
		}
	}
	return stores
}

// unicodeCustomers carry text that only folds with full Unicode rules.
func unicodeCustomers() []*domain.Customer {
	return []*domain.Customer{
		{ID: "u1", Name: "Élodie", City: "Zürich", Email: "elodie@example.ch", CreatedAt: testNow},
		{ID: "u2", Name: "ÖZLEM", City: "İzmir", Email: "ozlem@example.com.tr", CreatedAt: testNow},
		{ID: "u3", Name: "Søren", City: "ÅRHUS", Email: "soren@example.dk", CreatedAt: testNow},
		{ID: "u4", Name: "Ana", City: "Lisboa", Email: "ana@example.pt", CreatedAt: testNow},
	}
}

func newTestEvaluator(repo domain.AudienceStore) *Evaluator {
	compiler := rules.NewCompiler(nil, rules.WithClock(func() time.Time { return testNow }))
	return NewEvaluator(repo, compiler,
		WithSampleSize(repository.SampleLimit),
		WithClock(func() time.Time { return testNow }),
	)
}

func members(res *domain.AudienceResult) []string {
	ids := make([]string, len(res.Sample))
	for i, s := range res.Sample {
		ids[i] = s.ID
	}
	sort.Strings(ids)
	return ids
}

func rule(field string, op domain.Operator, v domain.Value) *domain.Rule {
	return &domain.Rule{Field: field, Operator: op, Value: v}
}
