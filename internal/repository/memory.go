package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/query"
)

// MemoryRepository keeps everything in process and evaluates audience
// predicates as CEL programs. Used for tests and single-node demos.
type MemoryRepository struct {
	mu        sync.RWMutex
	env       *cel.Env
	segments  map[string]map[string]*domain.Segment
	customers map[string]map[string]*domain.Customer
	orders    map[string]map[string]*domain.Order
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() (*MemoryRepository, error) {
	env, err := query.NewCELEnv()
	if err != nil {
		return nil, err
	}
	return &MemoryRepository{
		env:       env,
		segments:  make(map[string]map[string]*domain.Segment),
		customers: make(map[string]map[string]*domain.Customer),
		orders:    make(map[string]map[string]*domain.Order),
	}, nil
}

func tenantMap[V any](m map[string]map[string]V, tenantID string) map[string]V {
	inner, ok := m[tenantID]
	if !ok {
		inner = make(map[string]V)
		m[tenantID] = inner
	}
	return inner
}

// cloneSegment deep-copies seg so callers never share rule trees with the store.
func cloneSegment(seg *domain.Segment) (*domain.Segment, error) {
	out := *seg
	if seg.LastCalculated != nil {
		t := *seg.LastCalculated
		out.LastCalculated = &t
	}
	data, err := json.Marshal(seg.RuleGroups)
	if err != nil {
		return nil, err
	}
	out.RuleGroups = nil
	if err := json.Unmarshal(data, &out.RuleGroups); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveSegment inserts or replaces a segment with tenant isolation.
func (r *MemoryRepository) SaveSegment(ctx context.Context, tenantID string, seg *domain.Segment) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if seg == nil || seg.ID == "" {
		return fmt.Errorf("%w: segment id is required", ErrInvalidInput)
	}

	stored, err := cloneSegment(seg)
	if err != nil {
		return fmt.Errorf("failed to copy segment: %w", err)
	}
	stored.TenantID = tenantID

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.segments[tenantID][seg.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	tenantMap(r.segments, tenantID)[seg.ID] = stored
	return nil
}

// GetSegment retrieves a segment by ID with tenant isolation.
func (r *MemoryRepository) GetSegment(ctx context.Context, tenantID string, segmentID string) (*domain.Segment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	r.mu.RLock()
	seg, ok := r.segments[tenantID][segmentID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSegment(seg)
}

// ListSegments retrieves all segments for a tenant, oldest first.
func (r *MemoryRepository) ListSegments(ctx context.Context, tenantID string) ([]*domain.Segment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Segment, 0, len(r.segments[tenantID]))
	for _, seg := range r.segments[tenantID] {
		c, err := cloneSegment(seg)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteSegment removes a segment.
func (r *MemoryRepository) DeleteSegment(ctx context.Context, tenantID string, segmentID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.segments[tenantID][segmentID]; !ok {
		return ErrNotFound
	}
	delete(r.segments[tenantID], segmentID)
	return nil
}

// UpdateAudienceSize writes only the size fields.
func (r *MemoryRepository) UpdateAudienceSize(ctx context.Context, tenantID string, segmentID string, size int64, at time.Time) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seg, ok := r.segments[tenantID][segmentID]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	seg.AudienceSize = size
	seg.LastCalculated = &at
	return nil
}

// SaveCustomer upserts a customer.
func (r *MemoryRepository) SaveCustomer(ctx context.Context, tenantID string, c *domain.Customer) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}

	stored := *c
	stored.TenantID = tenantID
	stored.Tags = append([]string(nil), c.Tags...)

	r.mu.Lock()
	defer r.mu.Unlock()

	tenantMap(r.customers, tenantID)[c.ID] = &stored
	return nil
}

// SaveOrder stores an order. The customer must exist.
func (r *MemoryRepository) SaveOrder(ctx context.Context, tenantID string, o *domain.Order) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if o == nil || o.ID == "" || o.CustomerID == "" {
		return fmt.Errorf("%w: order id and customer id are required", ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.customers[tenantID][o.CustomerID]; !ok {
		return ErrNotFound
	}
	stored := *o
	stored.TenantID = tenantID
	tenantMap(r.orders, tenantID)[o.ID] = &stored
	return nil
}

type orderStats struct {
	count int
	sum   float64
	last  time.Time
}

// QueryAudience evaluates the plan against every customer of the tenant
// under one read lock.
func (r *MemoryRepository) QueryAudience(ctx context.Context, tenantID string, plan *query.Plan, limit int) (*domain.AudienceResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	limit, err := checkLimit(limit)
	if err != nil {
		return nil, err
	}

	expr, err := query.RenderCEL(plan.Filter)
	if err != nil {
		return nil, err
	}
	ast, iss := r.env.Compile(expr.Source)
	if iss.Err() != nil {
		return nil, fmt.Errorf("failed to compile predicate: %w", iss.Err())
	}
	prg, err := r.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build predicate program: %w", err)
	}
	params := expr.Params
	if params == nil {
		params = []any{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats map[string]*orderStats
	if plan.NeedsOrders {
		stats = make(map[string]*orderStats)
		for _, o := range r.orders[tenantID] {
			s, ok := stats[o.CustomerID]
			if !ok {
				s = &orderStats{}
				stats[o.CustomerID] = s
			}
			s.count++
			s.sum += o.Amount
			if o.OrderDate.After(s.last) {
				s.last = o.OrderDate
			}
		}
	}

	ids := make([]string, 0, len(r.customers[tenantID]))
	for id := range r.customers[tenantID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := &domain.AudienceResult{Sample: []domain.CustomerSummary{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c := r.customers[tenantID][id]
		doc := customerDocument(c, stats[id], plan)

		out, _, err := prg.Eval(map[string]any{query.CELDocument: doc, query.CELParams: params})
		if err != nil {
			return nil, fmt.Errorf("customer %s: %w", id, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("predicate returned %T, want bool", out.Value())
		}
		if !matched {
			continue
		}

		result.Count++
		if len(result.Sample) < limit {
			result.Sample = append(result.Sample, domain.CustomerSummary{
				ID:         c.ID,
				Name:       c.Name,
				Email:      c.Email,
				TotalSpent: c.TotalSpent,
			})
		}
	}

	return result, nil
}

// customerDocument flattens c into the map CEL predicates read. Null values
// are omitted and numbers are float64.
func customerDocument(c *domain.Customer, stats *orderStats, plan *query.Plan) map[string]any {
	doc := map[string]any{
		"totalSpent": c.TotalSpent,
		"visitCount": float64(c.VisitCount),
		"isActive":   c.IsActive,
	}
	putString := func(key, v string) {
		if v != "" {
			doc[key] = v
		}
	}
	putString("name", c.Name)
	putString("email", c.Email)
	putString("phone", c.Phone)
	putString("city", c.City)
	putString("country", c.Country)
	putString("churnRisk", c.ChurnRisk)

	if len(c.Tags) > 0 {
		tags := make([]any, len(c.Tags))
		for i, t := range c.Tags {
			tags[i] = t
		}
		doc["tags"] = tags
	}
	if c.RegistrationDate != nil {
		doc["registrationDate"] = c.RegistrationDate.UTC()
	}
	if c.LastVisit != nil {
		doc["lastVisit"] = c.LastVisit.UTC()
	}

	for _, f := range plan.Derived {
		switch f.Derive {
		case query.DeriveOrderCount:
			n := 0
			if stats != nil {
				n = stats.count
			}
			doc[f.Name] = float64(n)
		case query.DeriveAverageOrderValue:
			if stats != nil && stats.count > 0 {
				doc[f.Name] = stats.sum / float64(stats.count)
			}
		case query.DeriveDaysSinceLastOrder:
			if stats != nil && stats.count > 0 {
				doc[f.Name] = float64(query.DaysSince(plan.Now, stats.last))
			}
		case query.DeriveDaysSince:
			if t, ok := doc[f.Source].(time.Time); ok {
				doc[f.Name] = float64(query.DaysSince(plan.Now, t))
			}
		}
	}

	return doc
}

// Ping always succeeds.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

// Close releases nothing.
func (r *MemoryRepository) Close() error {
	return nil
}
