// Package nlbridge turns free-text audience descriptions into validated rule
// groups, using a language model when one is configured and a keyword table
// otherwise.
package nlbridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/rules"
)

var tracer = otel.Tracer("heron-nlbridge")

// Status is the terminal state of a suggestion request.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFallback Status = "fallback"
	StatusFailure  Status = "failure"
)

// Candidate is an unvalidated rule group proposed by a Suggester.
type Candidate struct {
	Rules       domain.RuleGroup
	Description string
	Confidence  domain.Confidence
}

// Suggester proposes a rule group for free text.
type Suggester interface {
	Suggest(ctx context.Context, text string) (*Candidate, error)
}

// Outcome is the result of Bridge.Suggest. Rules is set for success and
// fallback, Reason for failure.
type Outcome struct {
	Status      Status            `json:"status"`
	Rules       *domain.RuleGroup `json:"rules,omitempty"`
	Description string            `json:"description,omitempty"`
	Confidence  domain.Confidence `json:"confidence,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// Bridge validates model suggestions and falls back to a keyword table.
type Bridge struct {
	compiler  *rules.Compiler
	suggester Suggester
	fallback  *FallbackTable
	timeout   time.Duration
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout bounds each model call. Zero leaves only the caller's deadline.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.timeout = d
	}
}

// New creates a bridge. A nil suggester sends every request to the fallback
// table; a nil table means FallbackTableV1.
func New(compiler *rules.Compiler, suggester Suggester, fallback *FallbackTable, opts ...Option) *Bridge {
	if compiler == nil {
		compiler = rules.NewCompiler(nil)
	}
	if fallback == nil {
		fallback = FallbackTableV1()
	}
	b := &Bridge{compiler: compiler, suggester: suggester, fallback: fallback}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Suggest resolves text to a rule group. Model failures of any kind are
// logged and take the fallback path; no error is returned.
func (b *Bridge) Suggest(ctx context.Context, text string) Outcome {
	ctx, span := tracer.Start(ctx, "nlbridge.suggest")
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{Status: StatusFailure, Reason: "text is required"}
	}

	out, err := b.fromModel(ctx, text)
	if err == nil {
		span.SetAttributes(attribute.String("nlbridge.status", string(out.Status)))
		return out
	}

	var unavailable *domain.BridgeUnavailableError
	if errors.As(err, &unavailable) && unavailable.Err == nil {
		slog.Debug("suggestion model skipped", "reason", unavailable.Reason)
	} else {
		slog.Warn("suggestion model failed, using fallback table",
			"error", err,
			"fallback_version", b.fallback.Version(),
		)
	}

	out = b.fromFallback(text)
	span.SetAttributes(attribute.String("nlbridge.status", string(out.Status)))
	return out
}

func (b *Bridge) fromModel(ctx context.Context, text string) (Outcome, error) {
	if b.suggester == nil {
		return Outcome{}, &domain.BridgeUnavailableError{Reason: "no model configured"}
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	cand, err := b.suggester.Suggest(ctx, text)
	if err != nil {
		reason := "model call failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "model call timed out"
		}
		return Outcome{}, &domain.BridgeUnavailableError{Reason: reason, Err: err}
	}
	if cand == nil {
		return Outcome{}, &domain.BridgeUnavailableError{Reason: "model returned nothing"}
	}

	validated, err := b.compiler.ValidateGroup(&cand.Rules)
	if err != nil {
		return Outcome{}, &domain.BridgeUnavailableError{Reason: "model proposed invalid rules", Err: err}
	}

	// Low marks fallback-derived rules only.
	confidence := cand.Confidence
	switch confidence {
	case domain.ConfidenceHigh, domain.ConfidenceMedium:
	case domain.ConfidenceLow:
		confidence = domain.ConfidenceMedium
	default:
		confidence = domain.ConfidenceHigh
	}

	return Outcome{
		Status:      StatusSuccess,
		Rules:       validated,
		Description: cand.Description,
		Confidence:  confidence,
	}, nil
}

func (b *Bridge) fromFallback(text string) Outcome {
	g, description, ok := b.fallback.Match(text)
	if !ok {
		return Outcome{Status: StatusFailure, Reason: "could not derive rules from the description"}
	}

	validated, err := b.compiler.ValidateGroup(g)
	if err != nil {
		slog.Error("fallback table produced invalid rules",
			"fallback_version", b.fallback.Version(),
			"error", err,
		)
		return Outcome{Status: StatusFailure, Reason: "could not derive rules from the description"}
	}

	return Outcome{
		Status:      StatusFallback,
		Rules:       validated,
		Description: "Fallback: " + description,
		Confidence:  domain.ConfidenceLow,
	}
}

// FallbackVersion reports the keyword table in use.
func (b *Bridge) FallbackVersion() string {
	return b.fallback.Version()
}

// ModelEnabled reports whether a model is configured.
func (b *Bridge) ModelEnabled() bool {
	return b.suggester != nil
}
