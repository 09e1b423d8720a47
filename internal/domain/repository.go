// Package domain defines the core interfaces and types for Heron.
package domain

import (
	"context"
	"time"

	"github.com/opensource-finance/heron/internal/query"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Segment operations
	SaveSegment(ctx context.Context, tenantID string, seg *Segment) error
	GetSegment(ctx context.Context, tenantID string, segmentID string) (*Segment, error)
	ListSegments(ctx context.Context, tenantID string) ([]*Segment, error)
	DeleteSegment(ctx context.Context, tenantID string, segmentID string) error

	// UpdateAudienceSize writes only the cached size fields. Last writer wins.
	UpdateAudienceSize(ctx context.Context, tenantID string, segmentID string, size int64, at time.Time) error

	// Customer data
	SaveCustomer(ctx context.Context, tenantID string, c *Customer) error
	SaveOrder(ctx context.Context, tenantID string, o *Order) error

	AudienceStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AudienceStore runs compiled plans.
type AudienceStore interface {
	// QueryAudience returns the matching count and up to limit summaries
	// ordered by customer id, both read from one snapshot.
	QueryAudience(ctx context.Context, tenantID string, plan *query.Plan, limit int) (*AudienceResult, error)
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the store: "sqlite", "postgres", "mongo" or "memory"
	Driver string `json:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`
	// PostgresDriver picks the database/sql driver: "pq" (default) or "pgx"
	PostgresDriver string `json:"postgresDriver"`

	// MongoDB specific
	MongoURI      string `json:"-"`
	MongoDatabase string `json:"mongoDatabase"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
}
