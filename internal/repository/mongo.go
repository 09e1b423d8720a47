package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/query"
)

const segmentsCollection = "segments"

// MongoRepository implements domain.Repository on MongoDB. Audience queries
// run as a single aggregation whose $facet yields both count and sample.
type MongoRepository struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoRepository connects and ensures indexes.
func NewMongoRepository(ctx context.Context, cfg domain.RepositoryConfig) (*MongoRepository, error) {
	uri := cfg.MongoURI
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	dbName := cfg.MongoDatabase
	if dbName == "" {
		dbName = "heron"
	}

	opts := options.Client().ApplyURI(uri)
	if cfg.MaxOpenConns > 0 {
		opts.SetMaxPoolSize(uint64(cfg.MaxOpenConns))
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	repo := &MongoRepository{client: client, db: client.Database(dbName)}
	if err := repo.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return repo, nil
}

func (r *MongoRepository) ensureIndexes(ctx context.Context) error {
	indexes := map[string]bson.D{
		segmentsCollection:        {{Key: "tenantId", Value: 1}, {Key: "createdAt", Value: 1}},
		query.CustomersCollection: {{Key: "tenantId", Value: 1}, {Key: "_id", Value: 1}},
		query.OrdersCollection:    {{Key: "tenantId", Value: 1}, {Key: "customerId", Value: 1}},
	}
	for coll, keys := range indexes {
		if _, err := r.db.Collection(coll).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys}); err != nil {
			return err
		}
	}
	return nil
}

type segmentDoc struct {
	ID             string     `bson:"_id"`
	TenantID       string     `bson:"tenantId"`
	Name           string     `bson:"name"`
	Description    string     `bson:"description,omitempty"`
	RuleGroups     string     `bson:"ruleGroups"`
	AudienceSize   int64      `bson:"audienceSize"`
	LastCalculated *time.Time `bson:"lastCalculated,omitempty"`
	Source         string     `bson:"source"`
	Confidence     string     `bson:"confidence,omitempty"`
	CreatedAt      time.Time  `bson:"createdAt"`
	UpdatedAt      time.Time  `bson:"updatedAt"`
}

func (d *segmentDoc) toDomain() (*domain.Segment, error) {
	seg := &domain.Segment{
		ID:           d.ID,
		TenantID:     d.TenantID,
		Name:         d.Name,
		Description:  d.Description,
		AudienceSize: d.AudienceSize,
		Source:       domain.SegmentSource(d.Source),
		Confidence:   domain.Confidence(d.Confidence),
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
	if d.LastCalculated != nil {
		t := d.LastCalculated.UTC()
		seg.LastCalculated = &t
	}
	if err := json.Unmarshal([]byte(d.RuleGroups), &seg.RuleGroups); err != nil {
		return nil, fmt.Errorf("failed to parse rule groups for segment %s: %w", d.ID, err)
	}
	return seg, nil
}

func tenantFilter(tenantID, id string) bson.D {
	return bson.D{{Key: "_id", Value: id}, {Key: "tenantId", Value: tenantID}}
}

// SaveSegment inserts or replaces a segment, keeping the original createdAt.
func (r *MongoRepository) SaveSegment(ctx context.Context, tenantID string, seg *domain.Segment) error {
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

	set := bson.D{
		{Key: "name", Value: seg.Name},
		{Key: "description", Value: seg.Description},
		{Key: "ruleGroups", Value: string(groups)},
		{Key: "audienceSize", Value: seg.AudienceSize},
		{Key: "source", Value: string(seg.Source)},
		{Key: "confidence", Value: string(seg.Confidence)},
		{Key: "updatedAt", Value: seg.UpdatedAt.UTC()},
	}
	if seg.LastCalculated != nil {
		set = append(set, bson.E{Key: "lastCalculated", Value: seg.LastCalculated.UTC()})
	}

	update := bson.D{
		{Key: "$set", Value: set},
		{Key: "$setOnInsert", Value: bson.D{{Key: "createdAt", Value: seg.CreatedAt.UTC()}}},
	}
	_, err = r.db.Collection(segmentsCollection).UpdateOne(ctx, tenantFilter(tenantID, seg.ID), update,
		options.UpdateOne().SetUpsert(true))
	return err
}

// GetSegment retrieves a segment by ID with tenant isolation.
func (r *MongoRepository) GetSegment(ctx context.Context, tenantID string, segmentID string) (*domain.Segment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	var doc segmentDoc
	err := r.db.Collection(segmentsCollection).FindOne(ctx, tenantFilter(tenantID, segmentID)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toDomain()
}

// ListSegments retrieves all segments for a tenant, oldest first.
func (r *MongoRepository) ListSegments(ctx context.Context, tenantID string) ([]*domain.Segment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	cursor, err := r.db.Collection(segmentsCollection).Find(ctx,
		bson.D{{Key: "tenantId", Value: tenantID}},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}

	var docs []segmentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]*domain.Segment, 0, len(docs))
	for i := range docs {
		seg, err := docs[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, nil
}

// DeleteSegment removes a segment.
func (r *MongoRepository) DeleteSegment(ctx context.Context, tenantID string, segmentID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	res, err := r.db.Collection(segmentsCollection).DeleteOne(ctx, tenantFilter(tenantID, segmentID))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAudienceSize writes only the size fields.
func (r *MongoRepository) UpdateAudienceSize(ctx context.Context, tenantID string, segmentID string, size int64, at time.Time) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	res, err := r.db.Collection(segmentsCollection).UpdateOne(ctx, tenantFilter(tenantID, segmentID),
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "audienceSize", Value: size},
			{Key: "lastCalculated", Value: at.UTC()},
		}}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// customerDoc omits empty values so missing and null behave the same in $match.
type customerDoc struct {
	ID               string     `bson:"_id"`
	TenantID         string     `bson:"tenantId"`
	Name             string     `bson:"name"`
	Email            string     `bson:"email,omitempty"`
	Phone            string     `bson:"phone,omitempty"`
	City             string     `bson:"city,omitempty"`
	Country          string     `bson:"country,omitempty"`
	TotalSpent       float64    `bson:"totalSpent"`
	VisitCount       float64    `bson:"visitCount"`
	ChurnRisk        string     `bson:"churnRisk,omitempty"`
	Tags             []string   `bson:"tags,omitempty"`
	IsActive         bool       `bson:"isActive"`
	RegistrationDate *time.Time `bson:"registrationDate,omitempty"`
	LastVisit        *time.Time `bson:"lastVisit,omitempty"`
	CreatedAt        time.Time  `bson:"createdAt"`
}

// SaveCustomer upserts a customer document.
func (r *MongoRepository) SaveCustomer(ctx context.Context, tenantID string, c *domain.Customer) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}

	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	doc := customerDoc{
		ID:               c.ID,
		TenantID:         tenantID,
		Name:             c.Name,
		Email:            c.Email,
		Phone:            c.Phone,
		City:             c.City,
		Country:          c.Country,
		TotalSpent:       c.TotalSpent,
		VisitCount:       float64(c.VisitCount),
		ChurnRisk:        c.ChurnRisk,
		Tags:             c.Tags,
		IsActive:         c.IsActive,
		RegistrationDate: c.RegistrationDate,
		LastVisit:        c.LastVisit,
		CreatedAt:        created.UTC(),
	}

	_, err := r.db.Collection(query.CustomersCollection).ReplaceOne(ctx, tenantFilter(tenantID, c.ID), doc,
		options.Replace().SetUpsert(true))
	return err
}

type orderDoc struct {
	ID         string    `bson:"_id"`
	TenantID   string    `bson:"tenantId"`
	CustomerID string    `bson:"customerId"`
	Amount     float64   `bson:"amount"`
	OrderDate  time.Time `bson:"orderDate"`
}

// SaveOrder stores an order. The customer must exist.
func (r *MongoRepository) SaveOrder(ctx context.Context, tenantID string, o *domain.Order) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if o == nil || o.ID == "" || o.CustomerID == "" {
		return fmt.Errorf("%w: order id and customer id are required", ErrInvalidInput)
	}

	n, err := r.db.Collection(query.CustomersCollection).CountDocuments(ctx, tenantFilter(tenantID, o.CustomerID))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	doc := orderDoc{ID: o.ID, TenantID: tenantID, CustomerID: o.CustomerID, Amount: o.Amount, OrderDate: o.OrderDate.UTC()}
	_, err = r.db.Collection(query.OrdersCollection).ReplaceOne(ctx, tenantFilter(tenantID, o.ID), doc,
		options.Replace().SetUpsert(true))
	return err
}

type audienceFacet struct {
	Count []struct {
		N int64 `bson:"n"`
	} `bson:"count"`
	Sample []struct {
		ID         string  `bson:"_id"`
		Name       string  `bson:"name"`
		Email      string  `bson:"email"`
		TotalSpent float64 `bson:"totalSpent"`
	} `bson:"sample"`
}

// QueryAudience runs the plan as one aggregation.
func (r *MongoRepository) QueryAudience(ctx context.Context, tenantID string, plan *query.Plan, limit int) (*domain.AudienceResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	limit, err := checkLimit(limit)
	if err != nil {
		return nil, err
	}
	// $limit rejects 0.
	sampleLimit := limit
	if sampleLimit == 0 {
		sampleLimit = 1
	}

	pipeline, err := query.RenderPipeline(plan, tenantID, sampleLimit)
	if err != nil {
		return nil, err
	}

	cursor, err := r.db.Collection(query.CustomersCollection).Aggregate(ctx, mongo.Pipeline(pipeline))
	if err != nil {
		return nil, err
	}

	var facets []audienceFacet
	if err := cursor.All(ctx, &facets); err != nil {
		return nil, err
	}

	result := &domain.AudienceResult{Sample: []domain.CustomerSummary{}}
	if len(facets) == 0 {
		return result, nil
	}
	if len(facets[0].Count) > 0 {
		result.Count = facets[0].Count[0].N
	}
	for i, s := range facets[0].Sample {
		if i >= limit {
			break
		}
		result.Sample = append(result.Sample, domain.CustomerSummary{
			ID: s.ID, Name: s.Name, Email: s.Email, TotalSpent: s.TotalSpent,
		})
	}
	return result, nil
}

// Ping checks database connectivity.
func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (r *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}
