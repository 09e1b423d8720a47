//go:build integration
// +build integration

// Package integration provides end-to-end tests for a running Heron server.
//
// These tests drive the complete segmentation pipeline over HTTP:
//
//	Customers/Orders → Rule tree → Validation → Compiled query → Audience
//
// Run with: HERON_TEST_URL=http://localhost:8080 go test -tags=integration -v ./tests/integration/...
//
// Every test run writes into a fresh tenant, so the server's store may be
// shared with other data. The server must run with the recalculation
// worker enabled for TestRecalculateAll_Async.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig(t *testing.T) TestConfig {
	baseURL := os.Getenv("HERON_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: fmt.Sprintf("it-%s-%d", t.Name(), time.Now().UnixNano()),
	}
}

// ============================================================================
// API types (matching Heron's API contract)
// ============================================================================

type Customer struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Email      string   `json:"email,omitempty"`
	City       string   `json:"city,omitempty"`
	TotalSpent float64  `json:"totalSpent"`
	Tags       []string `json:"tags,omitempty"`
	IsActive   bool     `json:"isActive"`
}

type Order struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

type Segment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	AudienceSize int64  `json:"audienceSize"`
	Source       string `json:"source"`
	Confidence   string `json:"confidence"`
}

type PreviewResponse struct {
	Count           int64             `json:"count"`
	SampleCustomers []json.RawMessage `json:"sampleCustomers"`
	Rules           []json.RawMessage `json:"rules"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field"`
	Path   string `json:"path"`
	RuleID string `json:"ruleId"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func call(t *testing.T, config TestConfig, method, path string, body any, wantStatus int) []byte {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, config.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, resp.StatusCode, respBody)
	}
	return respBody
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, data)
	}
	return v
}

func rule(field, op string, value any) map[string]any {
	r := map[string]any{"field": field, "operator": op}
	if value != nil {
		r["value"] = value
	}
	return r
}

func group(logic string, children ...map[string]any) map[string]any {
	if children == nil {
		children = []map[string]any{}
	}
	return map[string]any{"logic": logic, "rules": children}
}

// seedCustomers loads three customers:
//
//	ana   spent 1500, vip, active, 2 orders, city Lisbon
//	bo    spent 1000, active, no orders, no city
//	cyd   spent 50, inactive, 1 order, city Paris
func seedCustomers(t *testing.T, config TestConfig) {
	t.Helper()
	for _, c := range []Customer{
		{ID: "ana", Name: "Ana", Email: "ana@example.com", City: "Lisbon", TotalSpent: 1500, Tags: []string{"vip"}, IsActive: true},
		{ID: "bo", Name: "Bo", Email: "bo@example.com", TotalSpent: 1000, IsActive: true},
		{ID: "cyd", Name: "Cyd", Email: "cyd@example.com", City: "Paris", TotalSpent: 50},
	} {
		call(t, config, http.MethodPost, "/customers", c, http.StatusCreated)
	}
	for _, o := range []struct {
		customer string
		order    Order
	}{
		{"ana", Order{ID: "ana-1", Amount: 700}},
		{"ana", Order{ID: "ana-2", Amount: 800}},
		{"cyd", Order{ID: "cyd-1", Amount: 50}},
	} {
		call(t, config, http.MethodPost, "/customers/"+o.customer+"/orders", o.order, http.StatusCreated)
	}
}

func preview(t *testing.T, config TestConfig, g map[string]any) PreviewResponse {
	t.Helper()
	return decode[PreviewResponse](t, call(t, config, http.MethodPost, "/segments/preview", g, http.StatusOK))
}

// ============================================================================
// SCENARIO 1: Create a segment over stored and derived fields
// ============================================================================

func TestCreateSegment_AudienceSize(t *testing.T) {
	/*
	   SCENARIO: "High spenders who have ordered"
	     totalSpent > 1000 AND orderCount > 0

	   EXPECTED: only ana (bo spent exactly 1000, cyd spent 50)
	*/
	config := getTestConfig(t)
	seedCustomers(t, config)

	seg := decode[Segment](t, call(t, config, http.MethodPost, "/segments", map[string]any{
		"name": "High spenders who have ordered",
		"ruleGroups": []any{group("AND",
			rule("totalSpent", "greater_than", 1000),
			rule("orderCount", "greater_than", 0),
		)},
	}, http.StatusCreated))

	if seg.AudienceSize != 1 {
		t.Errorf("Expected audience size 1, got %d", seg.AudienceSize)
	}
	if seg.Source != "manual" {
		t.Errorf("Expected source manual, got %s", seg.Source)
	}

	got := decode[Segment](t, call(t, config, http.MethodGet, "/segments/"+seg.ID, nil, http.StatusOK))
	if got.AudienceSize != 1 {
		t.Errorf("Expected stored audience size 1, got %d", got.AudienceSize)
	}

	call(t, config, http.MethodDelete, "/segments/"+seg.ID, nil, http.StatusNoContent)
	call(t, config, http.MethodGet, "/segments/"+seg.ID, nil, http.StatusNotFound)
}

// ============================================================================
// SCENARIO 2: Threshold boundaries
// ============================================================================

func TestThresholdBoundary(t *testing.T) {
	/*
	   bo spent exactly 1000:
	     greater_than 1000           → excluded
	     greater_than_or_equal 1000  → included
	*/
	config := getTestConfig(t)
	seedCustomers(t, config)

	if got := preview(t, config, group("AND", rule("totalSpent", "greater_than", 1000))).Count; got != 1 {
		t.Errorf("greater_than 1000: expected 1, got %d", got)
	}
	if got := preview(t, config, group("AND", rule("totalSpent", "greater_than_or_equal", 1000))).Count; got != 2 {
		t.Errorf("greater_than_or_equal 1000: expected 2, got %d", got)
	}
}

// ============================================================================
// SCENARIO 3: Negation and missing values
// ============================================================================

func TestNegationMatchesMissingValues(t *testing.T) {
	/*
	   bo has no city. A negated operator is the complement of its positive
	   form, so "city not_equals Paris" matches ana and bo, and together with
	   "city equals Paris" covers every customer exactly once.
	*/
	config := getTestConfig(t)
	seedCustomers(t, config)

	pos := preview(t, config, group("AND", rule("city", "equals", "Paris"))).Count
	neg := preview(t, config, group("AND", rule("city", "not_equals", "Paris"))).Count
	all := preview(t, config, group("AND")).Count

	if neg != 2 {
		t.Errorf("Expected not_equals to match 2 customers, got %d", neg)
	}
	if pos+neg != all {
		t.Errorf("Expected %d + %d = %d", pos, neg, all)
	}
}

// ============================================================================
// SCENARIO 4: Nested OR inside AND
// ============================================================================

func TestNestedGroups(t *testing.T) {
	/*
	   isActive AND (tags contains vip OR orderCount = 0)
	     ana: active, vip        → in
	     bo:  active, no orders  → in
	     cyd: inactive           → out
	*/
	config := getTestConfig(t)
	seedCustomers(t, config)

	p := preview(t, config, group("AND",
		rule("isActive", "is_true", nil),
		group("OR",
			rule("tags", "contains", "vip"),
			rule("orderCount", "equals", 0),
		),
	))
	if p.Count != 2 {
		t.Errorf("Expected 2, got %d", p.Count)
	}
	if len(p.SampleCustomers) != 2 {
		t.Errorf("Expected 2 sample customers, got %d", len(p.SampleCustomers))
	}
}

// ============================================================================
// SCENARIO 5: Validation errors name the offending rule
// ============================================================================

func TestValidationErrors(t *testing.T) {
	config := getTestConfig(t)

	body := call(t, config, http.MethodPost, "/segments", map[string]any{
		"name":       "Bad",
		"ruleGroups": []any{group("AND", rule("shoeSize", "equals", 42))},
	}, http.StatusBadRequest)
	if e := decode[ErrorResponse](t, body); e.Field != "shoeSize" {
		t.Errorf("Expected field shoeSize in error, got %+v", e)
	}

	body = call(t, config, http.MethodPost, "/segments/preview",
		group("AND", rule("totalSpent", "contains", "lots")), http.StatusBadRequest)
	if e := decode[ErrorResponse](t, body); e.Field != "totalSpent" {
		t.Errorf("Expected field totalSpent in error, got %+v", e)
	}

	list := decode[struct {
		Count int `json:"count"`
	}](t, call(t, config, http.MethodGet, "/segments", nil, http.StatusOK))
	if list.Count != 0 {
		t.Errorf("Expected nothing stored after validation failures, got %d", list.Count)
	}
}

// ============================================================================
// SCENARIO 6: Tenant isolation
// ============================================================================

func TestTenantIsolation(t *testing.T) {
	config := getTestConfig(t)
	seedCustomers(t, config)

	other := config
	other.TenantID = config.TenantID + "-other"

	if got := preview(t, other, group("AND")).Count; got != 0 {
		t.Errorf("Expected empty audience for another tenant, got %d", got)
	}
}

// ============================================================================
// SCENARIO 7: Suggestions from plain text
// ============================================================================

func TestSuggest(t *testing.T) {
	/*
	   Without a model the keyword table answers with low confidence; with a
	   model the answer is high or medium. Either way the rules must preview.
	*/
	config := getTestConfig(t)
	seedCustomers(t, config)

	out := decode[struct {
		Status     string         `json:"status"`
		Rules      map[string]any `json:"rules"`
		Confidence string         `json:"confidence"`
	}](t, call(t, config, http.MethodPost, "/segments/suggest",
		map[string]string{"text": "high value VIP customers"}, http.StatusOK))

	if out.Status != "success" && out.Status != "fallback" {
		t.Fatalf("Unexpected status %s", out.Status)
	}
	if out.Status == "fallback" && out.Confidence != "low" {
		t.Errorf("Expected low confidence for fallback, got %s", out.Confidence)
	}
	preview(t, config, out.Rules)

	if out.Status == "fallback" {
		call(t, config, http.MethodPost, "/segments/suggest",
			map[string]string{"text": "zzzz qqqq"}, http.StatusUnprocessableEntity)
	}
}

// ============================================================================
// SCENARIO 8: Bulk recalculation through the worker
// ============================================================================

func TestRecalculateAll_Async(t *testing.T) {
	/*
	   A segment is created over isActive (2 customers). A third active
	   customer is added, then every segment is queued for recalculation.
	   The worker picks the job up and the stored size moves to 3.
	*/
	config := getTestConfig(t)
	seedCustomers(t, config)

	seg := decode[Segment](t, call(t, config, http.MethodPost, "/segments", map[string]any{
		"name":       "Active",
		"ruleGroups": []any{group("AND", rule("isActive", "is_true", nil))},
	}, http.StatusCreated))
	if seg.AudienceSize != 2 {
		t.Fatalf("Expected initial size 2, got %d", seg.AudienceSize)
	}

	call(t, config, http.MethodPost, "/customers", Customer{ID: "dee", Name: "Dee", IsActive: true}, http.StatusCreated)

	queued := decode[map[string]int](t, call(t, config, http.MethodPost, "/segments/recalculate", nil, http.StatusAccepted))
	if queued["queued"] != 1 {
		t.Errorf("Expected 1 queued segment, got %v", queued)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got := decode[Segment](t, call(t, config, http.MethodGet, "/segments/"+seg.ID, nil, http.StatusOK))
		if got.AudienceSize == 3 {
			t.Logf("✓ Recalculated: %s → %d", got.Name, got.AudienceSize)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Errorf("Segment %s was not recalculated within 10s", seg.ID)
}
