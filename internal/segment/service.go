// Package segment manages persisted segments: it validates their rules,
// keeps the cached audience size current and serves audience previews.
package segment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/heron/internal/audience"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/nlbridge"
	"github.com/opensource-finance/heron/internal/repository"
)

// Service is the segment use-case layer shared by the API, the CLI and the
// recalculation worker.
type Service struct {
	repo       domain.Repository
	evaluator  *audience.Evaluator
	cache      domain.Cache
	previewTTL time.Duration
	bus        domain.EventBus
	bridge     *nlbridge.Bridge
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPreviewCache caches preview results in c for ttl.
func WithPreviewCache(c domain.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.previewTTL = ttl
	}
}

// WithEventBus makes RecalculateAll publish jobs instead of running inline.
func WithEventBus(b domain.EventBus) Option {
	return func(s *Service) {
		s.bus = b
	}
}

// WithBridge sets the natural-language bridge used by Suggest.
func WithBridge(b *nlbridge.Bridge) Option {
	return func(s *Service) {
		s.bridge = b
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a segment service.
func NewService(repo domain.Repository, evaluator *audience.Evaluator, opts ...Option) *Service {
	if evaluator == nil {
		evaluator = audience.NewEvaluator(repo, nil)
	}
	s := &Service{
		repo:      repo,
		evaluator: evaluator,
		cache:     cache.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bridge == nil {
		s.bridge = nlbridge.New(evaluator.Compiler(), nil, nil)
	}
	return s
}

// Input is the client-supplied part of a segment.
type Input struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	RuleGroups  []domain.RuleGroup   `json:"ruleGroups"`
	Source      domain.SegmentSource `json:"source,omitempty"`
	Confidence  domain.Confidence    `json:"confidence,omitempty"`
}

func (in *Input) UnmarshalJSON(data []byte) error {
	type plain Input
	wire := struct {
		*plain
		RuleGroups json.RawMessage `json:"ruleGroups"`
	}{plain: (*plain)(in)}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	in.RuleGroups = nil
	if len(wire.RuleGroups) == 0 || string(wire.RuleGroups) == "null" {
		return nil
	}
	groups, err := domain.DecodeRuleGroups(wire.RuleGroups)
	if err != nil {
		return err
	}
	in.RuleGroups = groups
	return nil
}

func (in *Input) check() error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", repository.ErrInvalidInput)
	}
	switch in.Source {
	case "":
		in.Source = domain.SourceManual
	case domain.SourceManual, domain.SourceAI, domain.SourceFallback:
	default:
		return fmt.Errorf("%w: unknown source %q", repository.ErrInvalidInput, in.Source)
	}
	switch in.Confidence {
	case "":
		in.Confidence = domain.ConfidenceHigh
		if in.Source == domain.SourceFallback {
			in.Confidence = domain.ConfidenceLow
		}
	case domain.ConfidenceHigh, domain.ConfidenceMedium, domain.ConfidenceLow:
	default:
		return fmt.Errorf("%w: unknown confidence %q", repository.ErrInvalidInput, in.Confidence)
	}
	return nil
}

// Create validates in, computes its audience size and stores the segment.
// Nothing is written when validation or evaluation fails.
func (s *Service) Create(ctx context.Context, tenantID string, in Input) (*domain.Segment, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	compiled, err := s.evaluator.Compile(ctx, in.RuleGroups...)
	if err != nil {
		return nil, err
	}
	result, err := s.evaluator.Evaluate(ctx, tenantID, compiled.Plan)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	computedAt := result.ComputedAt
	seg := &domain.Segment{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Name:           in.Name,
		Description:    in.Description,
		RuleGroups:     compiled.Rules,
		AudienceSize:   result.Count,
		LastCalculated: &computedAt,
		Source:         in.Source,
		Confidence:     in.Confidence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.SaveSegment(ctx, tenantID, seg); err != nil {
		return nil, fmt.Errorf("failed to save segment: %w", err)
	}

	slog.Info("segment created",
		"tenant_id", tenantID,
		"segment_id", seg.ID,
		"audience_size", seg.AudienceSize,
	)
	return seg, nil
}

// Update replaces a segment's definition and recomputes its size.
func (s *Service) Update(ctx context.Context, tenantID, id string, in Input) (*domain.Segment, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	compiled, err := s.evaluator.Compile(ctx, in.RuleGroups...)
	if err != nil {
		return nil, err
	}

	seg, err := s.repo.GetSegment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	result, err := s.evaluator.Evaluate(ctx, tenantID, compiled.Plan)
	if err != nil {
		return nil, err
	}

	computedAt := result.ComputedAt
	seg.Name = in.Name
	seg.Description = in.Description
	seg.RuleGroups = compiled.Rules
	seg.Source = in.Source
	seg.Confidence = in.Confidence
	seg.AudienceSize = result.Count
	seg.LastCalculated = &computedAt
	seg.UpdatedAt = s.now().UTC()

	if err := s.repo.SaveSegment(ctx, tenantID, seg); err != nil {
		return nil, fmt.Errorf("failed to save segment: %w", err)
	}
	return seg, nil
}

// Get returns one segment.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*domain.Segment, error) {
	return s.repo.GetSegment(ctx, tenantID, id)
}

// List returns the tenant's segments, oldest first.
func (s *Service) List(ctx context.Context, tenantID string) ([]*domain.Segment, error) {
	return s.repo.ListSegments(ctx, tenantID)
}

// Delete removes a segment.
func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	return s.repo.DeleteSegment(ctx, tenantID, id)
}

// Preview evaluates groups without persisting anything. Identical normalized
// rule trees share a cached result for the preview TTL.
func (s *Service) Preview(ctx context.Context, tenantID string, groups ...domain.RuleGroup) (*audience.Preview, error) {
	compiled, err := s.evaluator.Compile(ctx, groups...)
	if err != nil {
		return nil, err
	}

	key, keyErr := previewKey(compiled.Rules)
	if keyErr == nil && s.previewTTL > 0 {
		var cached domain.AudienceResult
		hit, err := cache.GetJSON(ctx, s.cache, tenantID, key, &cached)
		if err != nil {
			slog.Warn("preview cache read failed", "tenant_id", tenantID, "error", err)
		}
		if hit {
			return &audience.Preview{AudienceResult: cached, Rules: compiled.Rules}, nil
		}
	}

	result, err := s.evaluator.Evaluate(ctx, tenantID, compiled.Plan)
	if err != nil {
		return nil, err
	}

	if keyErr == nil && s.previewTTL > 0 {
		if err := cache.SetJSON(ctx, s.cache, tenantID, key, result, s.previewTTL); err != nil {
			slog.Warn("preview cache write failed", "tenant_id", tenantID, "error", err)
		}
	}
	return &audience.Preview{AudienceResult: *result, Rules: compiled.Rules}, nil
}

func previewKey(groups []domain.RuleGroup) (string, error) {
	data, err := json.Marshal(groups)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "preview:" + hex.EncodeToString(sum[:]), nil
}

// Recalculate recomputes a stored segment's audience size. Only the size
// fields are written, so concurrent edits to the definition are not lost.
func (s *Service) Recalculate(ctx context.Context, tenantID, id string) (*domain.Segment, error) {
	seg, err := s.repo.GetSegment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	compiled, err := s.evaluator.Compile(ctx, seg.RuleGroups...)
	if err != nil {
		return nil, fmt.Errorf("stored rules for segment %s no longer compile: %w", id, err)
	}
	result, err := s.evaluator.Evaluate(ctx, tenantID, compiled.Plan)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateAudienceSize(ctx, tenantID, id, result.Count, result.ComputedAt); err != nil {
		return nil, err
	}
	computedAt := result.ComputedAt
	seg.AudienceSize = result.Count
	seg.LastCalculated = &computedAt
	return seg, nil
}

// RecalculateAll refreshes every segment of the tenant. With an event bus
// one job per segment is published for the worker pool; without one the
// segments are recalculated inline. It returns how many were queued or
// recalculated.
func (s *Service) RecalculateAll(ctx context.Context, tenantID string) (int, error) {
	segments, err := s.repo.ListSegments(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	if s.bus == nil {
		done := 0
		for _, seg := range segments {
			if _, err := s.Recalculate(ctx, tenantID, seg.ID); err != nil {
				return done, fmt.Errorf("segment %s: %w", seg.ID, err)
			}
			done++
		}
		return done, nil
	}

	queued := 0
	for _, seg := range segments {
		payload, err := json.Marshal(domain.RecalculateJob{TenantID: tenantID, SegmentID: seg.ID})
		if err != nil {
			return queued, fmt.Errorf("failed to marshal recalculation job: %w", err)
		}
		if err := s.bus.Publish(ctx, domain.GlobalPartition, domain.TopicSegmentRecalculate, payload); err != nil {
			return queued, fmt.Errorf("failed to queue segment %s: %w", seg.ID, err)
		}
		queued++
	}

	slog.Info("segment recalculation queued",
		"tenant_id", tenantID,
		"segments", queued,
	)
	return queued, nil
}

// Suggest proposes rules for a free-text description.
func (s *Service) Suggest(ctx context.Context, text string) nlbridge.Outcome {
	return s.bridge.Suggest(ctx, text)
}
