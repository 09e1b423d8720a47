package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/heron/internal/catalog"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/nlbridge"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/segment"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	segments *segment.Service
	catalog  *catalog.Catalog
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, segments *segment.Service, cat *catalog.Catalog, version string) *Handler {
	if cat == nil {
		cat = catalog.Default()
	}
	return &Handler{
		repo:     repo,
		cache:    cache,
		segments: segments,
		catalog:  cat,
		version:  version,
	}
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Path      string `json:"path,omitempty"`
	RuleID    string `json:"ruleId,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Health reports whether the store and cache respond.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// Fields serves the field catalog.
func (h *Handler) Fields(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.Metadata())
}

// CreateSegment handles POST /segments.
func (h *Handler) CreateSegment(w http.ResponseWriter, r *http.Request) {
	var in segment.Input
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	seg, err := h.segments.Create(r.Context(), GetTenantID(r.Context()), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, seg)
}

// ListSegments handles GET /segments.
func (h *Handler) ListSegments(w http.ResponseWriter, r *http.Request) {
	segments, err := h.segments.List(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if segments == nil {
		segments = []*domain.Segment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"segments": segments,
		"count":    len(segments),
	})
}

// GetSegment handles GET /segments/{id}.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	seg, err := h.segments.Get(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seg)
}

// UpdateSegment handles PUT /segments/{id}.
func (h *Handler) UpdateSegment(w http.ResponseWriter, r *http.Request) {
	var in segment.Input
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	seg, err := h.segments.Update(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seg)
}

// DeleteSegment handles DELETE /segments/{id}.
func (h *Handler) DeleteSegment(w http.ResponseWriter, r *http.Request) {
	if err := h.segments.Delete(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PreviewSegment handles POST /segments/preview. The body is either
// {"ruleGroups": [...]} or a single bare rule group.
func (h *Handler) PreviewSegment(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeBody(w, r, &raw); err != nil {
		writeError(w, err)
		return
	}

	groups, err := previewGroups(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	preview, err := h.segments.Preview(r.Context(), GetTenantID(r.Context()), groups...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func previewGroups(raw json.RawMessage) ([]domain.RuleGroup, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errMalformedBody
	}

	if groupsJSON, ok := probe["ruleGroups"]; ok {
		groups, err := domain.DecodeRuleGroups(groupsJSON)
		if err != nil {
			return nil, bodyError(err)
		}
		return groups, nil
	}

	var g domain.RuleGroup
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, bodyError(err)
	}
	return []domain.RuleGroup{g}, nil
}

// RecalculateSegment handles POST /segments/{id}/recalculate.
func (h *Handler) RecalculateSegment(w http.ResponseWriter, r *http.Request) {
	seg, err := h.segments.Recalculate(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seg)
}

// RecalculateAll handles POST /segments/recalculate.
func (h *Handler) RecalculateAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.segments.RecalculateAll(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": n})
}

// SuggestRequest is the body of POST /segments/suggest.
type SuggestRequest struct {
	Text string `json:"text"`
}

// SuggestSegment handles POST /segments/suggest. A failed suggestion is
// reported as 422 with the outcome's reason.
func (h *Handler) SuggestSegment(w http.ResponseWriter, r *http.Request) {
	var req SuggestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	out := h.segments.Suggest(r.Context(), req.Text)
	status := http.StatusOK
	if out.Status == nlbridge.StatusFailure {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, out)
}

// CreateCustomer handles POST /customers.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var c domain.Customer
	if err := decodeBody(w, r, &c); err != nil {
		writeError(w, err)
		return
	}

	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "name is required"})
		return
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	tenantID := GetTenantID(r.Context())
	c.TenantID = tenantID
	if err := h.repo.SaveCustomer(r.Context(), tenantID, &c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// CreateOrderRequest is the body of POST /customers/{id}/orders.
type CreateOrderRequest struct {
	ID        string     `json:"id,omitempty"`
	Amount    float64    `json:"amount"`
	OrderDate *time.Time `json:"orderDate,omitempty"`
}

// CreateOrder handles POST /customers/{id}/orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Amount < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "amount must not be negative"})
		return
	}

	tenantID := GetTenantID(r.Context())
	o := &domain.Order{
		ID:         req.ID,
		TenantID:   tenantID,
		CustomerID: chi.URLParam(r, "id"),
		Amount:     req.Amount,
		OrderDate:  time.Now().UTC(),
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if req.OrderDate != nil {
		o.OrderDate = req.OrderDate.UTC()
	}

	if err := h.repo.SaveOrder(r.Context(), tenantID, o); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

var errMalformedBody = errors.New("invalid JSON request body")

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		return errMalformedBody
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		return bodyError(err)
	}
	return nil
}

// bodyError keeps rule validation errors and reports anything else as a
// malformed body.
func bodyError(err error) error {
	if domain.IsValidationError(err) {
		return err
	}
	return errMalformedBody
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		unknown *domain.UnknownFieldError
		invalid *domain.InvalidRuleError
		evalErr *domain.EvaluationError
	)

	switch {
	case errors.As(err, &unknown):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: unknown.Field, Path: unknown.Path})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: invalid.Field, Path: invalid.Path, RuleID: invalid.RuleID})
	case errors.Is(err, errMalformedBody):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.As(err, &evalErr):
		slog.Error("audience evaluation failed", "fragment", evalErr.Fragment, "error", evalErr.Err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "audience could not be evaluated, try again", Retryable: true})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
