package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/qustavo/dotsql"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/query"
)

//go:embed queries.sql
var queriesSQL string

func init() {
	// modernc registers as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLRepository implements domain.Repository using sqlx.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db      *sqlx.DB
	dot     *dotsql.DotSql
	dialect query.Dialect
}

// NewSQLRepository opens, configures and migrates a SQL store.
func NewSQLRepository(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var (
		db      *sqlx.DB
		dialect query.Dialect
		err     error
	)

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
		dialect = query.SQLite
	case "postgres":
		db, err = openPostgres(cfg)
		dialect = query.Postgres
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	dot, err := dotsql.LoadFromString(queriesSQL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to parse queries: %w", err)
	}

	repo := &SQLRepository{db: db, dot: dot, dialect: dialect}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// named returns a dotsql query rebound for the driver's placeholder style.
func (r *SQLRepository) named(name string) (string, error) {
	q, err := r.dot.Raw(name)
	if err != nil {
		return "", fmt.Errorf("query not found: %s", name)
	}
	return r.db.Rebind(q), nil
}

type segmentRow struct {
	ID             string       `db:"id"`
	TenantID       string       `db:"tenant_id"`
	Name           string       `db:"name"`
	Description    string       `db:"description"`
	RuleGroups     string       `db:"rule_groups"`
	AudienceSize   int64        `db:"audience_size"`
	LastCalculated sql.NullTime `db:"last_calculated"`
	Source         string       `db:"source"`
	Confidence     string       `db:"confidence"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (row *segmentRow) toDomain() (*domain.Segment, error) {
	seg := &domain.Segment{
		ID:           row.ID,
		TenantID:     row.TenantID,
		Name:         row.Name,
		Description:  row.Description,
		AudienceSize: row.AudienceSize,
		Source:       domain.SegmentSource(row.Source),
		Confidence:   domain.Confidence(row.Confidence),
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
	if row.LastCalculated.Valid {
		t := row.LastCalculated.Time.UTC()
		seg.LastCalculated = &t
	}
	if err := json.Unmarshal([]byte(row.RuleGroups), &seg.RuleGroups); err != nil {
		return nil, fmt.Errorf("failed to parse rule groups for segment %s: %w", row.ID, err)
	}
	return seg, nil
}

// SaveSegment inserts or replaces a segment with tenant isolation.
func (r *SQLRepository) SaveSegment(ctx context.Context, tenantID string, seg *domain.Segment) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if seg == nil || seg.ID == "" {
		return fmt.Errorf("%w: segment id is required", ErrInvalidInput)
	}

	groups, err := json.Marshal(seg.RuleGroups)
	if err != nil {
		return fmt.Errorf("failed to encode rule groups: %w", err)
	}

	var lastCalculated sql.NullTime
	if seg.LastCalculated != nil {
		lastCalculated = sql.NullTime{Time: seg.LastCalculated.UTC(), Valid: true}
	}

	q, err := r.named("upsert-segment")
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, q,
		seg.ID, tenantID, seg.Name, seg.Description, string(groups), seg.AudienceSize,
		lastCalculated, string(seg.Source), string(seg.Confidence),
		seg.CreatedAt.UTC(), seg.UpdatedAt.UTC(),
	)
	return err
}

// GetSegment retrieves a segment by ID with tenant isolation.
func (r *SQLRepository) GetSegment(ctx context.Context, tenantID string, segmentID string) (*domain.Segment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	q, err := r.named("get-segment")
	if err != nil {
		return nil, err
	}

	var row segmentRow
	err = r.db.GetContext(ctx, &row, q, tenantID, segmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

// ListSegments retrieves all segments for a tenant, oldest first.
func (r *SQLRepository) ListSegments(ctx context.Context, tenantID string) ([]*domain.Segment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	q, err := r.named("list-segments")
	if err != nil {
		return nil, err
	}

	var rows []segmentRow
	if err := r.db.SelectContext(ctx, &rows, q, tenantID); err != nil {
		return nil, err
	}

	segments := make([]*domain.Segment, 0, len(rows))
	for i := range rows {
		seg, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// DeleteSegment removes a segment.
func (r *SQLRepository) DeleteSegment(ctx context.Context, tenantID string, segmentID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	q, err := r.named("delete-segment")
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, q, tenantID, segmentID)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// UpdateAudienceSize writes only the size columns.
func (r *SQLRepository) UpdateAudienceSize(ctx context.Context, tenantID string, segmentID string, size int64, at time.Time) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	q, err := r.named("update-audience-size")
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, q, size, at.UTC(), tenantID, segmentID)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

func expectAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullEpoch(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// SaveCustomer upserts a customer and replaces its tags atomically.
func (r *SQLRepository) SaveCustomer(ctx context.Context, tenantID string, c *domain.Customer) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}

	upsert, err := r.named("upsert-customer")
	if err != nil {
		return err
	}
	clearTags, err := r.named("delete-customer-tags")
	if err != nil {
		return err
	}
	insertTag, err := r.named("insert-customer-tag")
	if err != nil {
		return err
	}

	active := 0
	if c.IsActive {
		active = 1
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsert,
		c.ID, tenantID, c.Name,
		nullString(c.Email), nullString(c.Phone), nullString(c.City), nullString(c.Country),
		c.TotalSpent, c.VisitCount, nullString(c.ChurnRisk), active,
		nullEpoch(c.RegistrationDate), nullEpoch(c.LastVisit), created.UTC(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, clearTags, tenantID, c.ID); err != nil {
		return err
	}
	for _, tag := range c.Tags {
		if _, err := tx.ExecContext(ctx, insertTag, tenantID, c.ID, tag); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SaveOrder stores an order. The customer must exist.
func (r *SQLRepository) SaveOrder(ctx context.Context, tenantID string, o *domain.Order) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if o == nil || o.ID == "" || o.CustomerID == "" {
		return fmt.Errorf("%w: order id and customer id are required", ErrInvalidInput)
	}

	exists, err := r.named("customer-exists")
	if err != nil {
		return err
	}
	upsert, err := r.named("upsert-order")
	if err != nil {
		return err
	}

	var n int
	if err := r.db.GetContext(ctx, &n, exists, tenantID, o.CustomerID); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	_, err = r.db.ExecContext(ctx, upsert, o.ID, tenantID, o.CustomerID, o.Amount, o.OrderDate.Unix())
	return err
}

type summaryRow struct {
	ID         string          `db:"id"`
	Name       string          `db:"name"`
	Email      sql.NullString  `db:"email"`
	TotalSpent sql.NullFloat64 `db:"total_spent"`
}

// QueryAudience runs the count and the sample in one transaction so both
// observe the same snapshot.
func (r *SQLRepository) QueryAudience(ctx context.Context, tenantID string, plan *query.Plan, limit int) (*domain.AudienceResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	limit, err := checkLimit(limit)
	if err != nil {
		return nil, err
	}

	q, err := query.RenderSQL(plan, tenantID, r.dialect, limit)
	if err != nil {
		return nil, err
	}

	// modernc sqlite does not accept isolation levels; its transactions are serializable.
	var opts *sql.TxOptions
	if r.dialect == query.Postgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}

	tx, err := r.db.BeginTxx(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result := &domain.AudienceResult{Sample: []domain.CustomerSummary{}}
	if err := tx.GetContext(ctx, &result.Count, r.db.Rebind(q.Count), q.Args...); err != nil {
		return nil, fmt.Errorf("count query: %w", err)
	}

	if limit > 0 && result.Count > 0 {
		var rows []summaryRow
		if err := tx.SelectContext(ctx, &rows, r.db.Rebind(q.Sample), q.Args...); err != nil {
			return nil, fmt.Errorf("sample query: %w", err)
		}
		for _, row := range rows {
			result.Sample = append(result.Sample, domain.CustomerSummary{
				ID:         row.ID,
				Name:       row.Name,
				Email:      row.Email.String,
				TotalSpent: row.TotalSpent.Float64,
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// DB exposes the underlying handle for diagnostics such as EXPLAIN.
func (r *SQLRepository) DB() *sqlx.DB {
	return r.db
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}
