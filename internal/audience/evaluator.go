// Package audience runs compiled segment plans against a customer store and
// returns the audience count with a bounded sample.
package audience

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/query"
	"github.com/opensource-finance/heron/internal/rules"
)

// DefaultSampleSize is the number of customers returned with a preview.
const DefaultSampleSize = 10

var tracer = otel.Tracer("heron-audience")

// Evaluator executes plans. Each call is a single store round trip, so count
// and sample always describe the same snapshot.
type Evaluator struct {
	store      domain.AudienceStore
	compiler   *rules.Compiler
	sampleSize int
	now        func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithSampleSize sets how many customers a result carries.
func WithSampleSize(n int) Option {
	return func(e *Evaluator) {
		if n >= 0 {
			e.sampleSize = n
		}
	}
}

// WithClock sets the clock used for ComputedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = now
	}
}

// NewEvaluator creates an evaluator over store. A nil compiler uses the
// default catalog.
func NewEvaluator(store domain.AudienceStore, compiler *rules.Compiler, opts ...Option) *Evaluator {
	if compiler == nil {
		compiler = rules.NewCompiler(nil)
	}
	e := &Evaluator{
		store:      store,
		compiler:   compiler,
		sampleSize: DefaultSampleSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compiler returns the compiler used by Preview.
func (e *Evaluator) Compiler() *rules.Compiler {
	return e.compiler
}

// Evaluate runs plan for tenantID. Store failures are returned as
// *domain.EvaluationError naming the predicate; a failed query never reads
// as an empty audience.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID string, plan *query.Plan) (*domain.AudienceResult, error) {
	if plan == nil {
		return nil, errors.New("audience: nil plan")
	}

	ctx, span := tracer.Start(ctx, "audience.evaluate",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Int("plan.derived_fields", len(plan.Derived)),
			attribute.Bool("plan.needs_orders", plan.NeedsOrders),
		),
	)
	defer span.End()

	result, err := e.store.QueryAudience(ctx, tenantID, plan, e.sampleSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audience query failed")
		return nil, &domain.EvaluationError{Fragment: plan.Filter.String(), Err: err}
	}

	result.ComputedAt = e.now().UTC()
	span.SetAttributes(attribute.Int64("audience.count", result.Count))
	return result, nil
}

// Preview is an evaluation together with the normalized rules it ran.
type Preview struct {
	domain.AudienceResult
	Rules []domain.RuleGroup `json:"rules"`
}

// Compile validates and compiles groups under a tracing span. Validation
// errors are returned unchanged.
func (e *Evaluator) Compile(ctx context.Context, groups ...domain.RuleGroup) (*rules.Compiled, error) {
	_, span := tracer.Start(ctx, "rules.compile",
		trace.WithAttributes(attribute.Int("rules.groups", len(groups))),
	)
	defer span.End()

	compiled, err := e.compiler.Compile(groups...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid rules")
		return nil, err
	}
	return compiled, nil
}

// Preview compiles groups and evaluates them without touching any segment.
func (e *Evaluator) Preview(ctx context.Context, tenantID string, groups ...domain.RuleGroup) (*Preview, error) {
	compiled, err := e.Compile(ctx, groups...)
	if err != nil {
		return nil, err
	}

	result, err := e.Evaluate(ctx, tenantID, compiled.Plan)
	if err != nil {
		return nil, err
	}
	return &Preview{AudienceResult: *result, Rules: compiled.Rules}, nil
}
