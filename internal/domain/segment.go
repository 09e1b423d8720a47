package domain

import (
	"time"
)

// SegmentSource records who authored a segment's rules.
type SegmentSource string

const (
	SourceManual   SegmentSource = "manual"
	SourceAI       SegmentSource = "ai"
	SourceFallback SegmentSource = "fallback"
)

// Confidence grades a suggested rule tree.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Segment is a named, persisted rule tree with a cached audience size.
// RuleGroups combine with AND.
type Segment struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenantId"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	RuleGroups     []RuleGroup   `json:"ruleGroups"`
	AudienceSize   int64         `json:"audienceSize"`
	LastCalculated *time.Time    `json:"lastCalculated,omitempty"`
	Source         SegmentSource `json:"source"`
	Confidence     Confidence    `json:"confidence,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Customer is a segmentable CRM contact.
type Customer struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenantId"`
	Name             string     `json:"name"`
	Email            string     `json:"email,omitempty"`
	Phone            string     `json:"phone,omitempty"`
	City             string     `json:"city,omitempty"`
	Country          string     `json:"country,omitempty"`
	TotalSpent       float64    `json:"totalSpent"`
	VisitCount       int64      `json:"visitCount"`
	ChurnRisk        string     `json:"churnRisk,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	IsActive         bool       `json:"isActive"`
	RegistrationDate *time.Time `json:"registrationDate,omitempty"`
	LastVisit        *time.Time `json:"lastVisit,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Order is a purchase by a customer; orders feed the derived fields.
type Order struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	CustomerID string    `json:"customerId"`
	Amount     float64   `json:"amount"`
	OrderDate  time.Time `json:"orderDate"`
}

// CustomerSummary is the preview projection of a customer.
type CustomerSummary struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	TotalSpent float64 `json:"totalSpent"`
}

// AudienceResult is the outcome of running a compiled rule tree.
type AudienceResult struct {
	Count      int64             `json:"count"`
	Sample     []CustomerSummary `json:"sampleCustomers"`
	ComputedAt time.Time         `json:"computedAt"`
}
