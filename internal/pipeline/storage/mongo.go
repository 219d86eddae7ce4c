package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/formrelay/internal/pipeline/domain"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var _ JobStore = (*MongoStore)(nil)

type jobDocument struct {
	ID            string     `bson:"_id"`
	Origin        string     `bson:"origin"`
	ExternalID    string     `bson:"external_id"`
	JobType       string     `bson:"job_type"`
	Payload       string     `bson:"payload"`
	Status        string     `bson:"status"`
	RunRetries    int        `bson:"run_retries"`
	Error         string     `bson:"error"`
	LastRetriedAt *time.Time `bson:"last_retried_at,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

func (d *jobDocument) toDomain() *domain.Job {
	job := &domain.Job{
		ID:         d.ID,
		Origin:     d.Origin,
		ExternalID: d.ExternalID,
		JobType:    d.JobType,
		Payload:    []byte(d.Payload),
		Status:     domain.Status(d.Status),
		RunRetries: d.RunRetries,
		Error:      d.Error,
		CreatedAt:  d.CreatedAt.UTC(),
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
	if d.LastRetriedAt != nil {
		t := d.LastRetriedAt.UTC()
		job.LastRetriedAt = &t
	}
	return job
}

// MongoStore keeps each origin's jobs in its own collection.
// The caller owns the *mongo.Database lifecycle.
type MongoStore struct {
	db          *mongo.Database
	collections map[string]string
	logger      *slog.Logger
	now         func() time.Time
}

// NewMongoStore creates a store. collections maps origin name to collection
// name; origins missing from the map use "<origin>_jobs".
func NewMongoStore(db *mongo.Database, collections map[string]string, logger *slog.Logger) *MongoStore {
	return &MongoStore{
		db:          db,
		collections: collections,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MongoStore) col(origin string) *mongo.Collection {
	name, ok := s.collections[origin]
	if !ok || name == "" {
		name = origin + "_jobs"
	}
	return s.db.Collection(name)
}

// Migrate creates the dispatch and external id indexes on every known collection.
func (s *MongoStore) Migrate(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "job_type", Value: 1}, {Key: "run_retries", Value: 1}, {Key: "updated_at", Value: 1}}},
		{Keys: bson.D{{Key: "external_id", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
	}

	for origin := range s.collections {
		if _, err := s.col(origin).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes for %s: %w", origin, err)
		}
	}
	return nil
}

func (s *MongoStore) Insert(ctx context.Context, nj domain.NewJob) (string, error) {
	now := s.now()
	doc := jobDocument{
		ID:         uuid.NewString(),
		Origin:     nj.Origin,
		ExternalID: nj.ExternalID,
		JobType:    nj.JobType,
		Payload:    string(nj.Payload),
		Status:     string(domain.StatusNew),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if _, err := s.col(nj.Origin).InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to insert job: %w", mongoErr(err))
	}
	return doc.ID, nil
}

func (s *MongoStore) Get(ctx context.Context, origin, id string) (*domain.Job, error) {
	var doc jobDocument
	err := s.col(origin).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", mongoErr(err))
	}
	return doc.toDomain(), nil
}

func (s *MongoStore) FindByStatusAndTypes(ctx context.Context, q Query) ([]*domain.Job, error) {
	filter := bson.M{
		"status":   string(q.Status),
		"job_type": bson.M{"$in": q.JobTypes},
	}
	if q.MaxRetries > 0 {
		filter["run_retries"] = bson.M{"$lt": q.MaxRetries}
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "updated_at", Value: 1},
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1},
	})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	return s.find(ctx, q.Origin, filter, opts)
}

func (s *MongoStore) FindByExternalID(ctx context.Context, origin, externalID string) ([]*domain.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	return s.find(ctx, origin, bson.M{"external_id": externalID}, opts)
}

func (s *MongoStore) List(ctx context.Context, f ListFilter) ([]*domain.Job, error) {
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if f.JobType != "" {
		filter["job_type"] = f.JobType
	}
	if f.Cursor != nil {
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$lt": f.Cursor.CreatedAt}},
			bson.M{"created_at": f.Cursor.CreatedAt, "_id": bson.M{"$lt": f.Cursor.ID}},
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if f.PageSize > 0 {
		opts.SetLimit(int64(f.PageSize + 1))
	}

	return s.find(ctx, f.Origin, filter, opts)
}

func (s *MongoStore) CountByStatus(ctx context.Context, origin string, jobTypes []string) (map[domain.Status]int64, error) {
	match := bson.M{}
	if len(jobTypes) > 0 {
		match["job_type"] = bson.M{"$in": jobTypes}
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := s.col(origin).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", mongoErr(err))
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status string `bson:"_id"`
		Total  int64  `bson:"total"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode job counts: %w", err)
	}

	counts := make(map[domain.Status]int64, len(rows))
	for _, r := range rows {
		counts[domain.Status(r.Status)] = r.Total
	}
	return counts, nil
}

func (s *MongoStore) Claim(ctx context.Context, origin, id string, from domain.Status) error {
	res, err := s.col(origin).UpdateOne(ctx,
		bson.M{"_id": id, "status": string(from)},
		bson.M{"$set": bson.M{
			"status":     string(domain.StatusProcessing),
			"updated_at": s.now(),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", mongoErr(err))
	}
	if res.MatchedCount == 0 {
		s.logger.Warn("Failed to claim job - already claimed or not found",
			slog.String("job_id", id),
			slog.String("origin", origin),
		)
		return domain.ErrClaimLost
	}
	return nil
}

func (s *MongoStore) UpdateStatus(ctx context.Context, origin, id string, status domain.Status, u domain.Update) error {
	if err := domain.ValidateTransition(domain.StatusProcessing, status); err != nil {
		return err
	}

	set := bson.M{
		"status":     string(status),
		"updated_at": s.now(),
	}
	if u.Error != nil {
		set["error"] = *u.Error
	}
	if u.RunRetries != nil {
		set["run_retries"] = *u.RunRetries
	}
	if u.LastRetriedAt != nil {
		set["last_retried_at"] = u.LastRetriedAt.UTC()
	}

	res, err := s.col(origin).UpdateOne(ctx,
		bson.M{"_id": id, "status": string(domain.StatusProcessing)},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpdateFailed, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: job %s not found or not processing", domain.ErrUpdateFailed, id)
	}
	return nil
}

func (s *MongoStore) Reset(ctx context.Context, origin string, sel Selector, status domain.Status) (int64, error) {
	if sel.Empty() {
		return 0, nil
	}

	var or bson.A
	if len(sel.IDs) > 0 {
		or = append(or, bson.M{"_id": bson.M{"$in": sel.IDs}})
	}
	if len(sel.ExternalIDs) > 0 {
		or = append(or, bson.M{"external_id": bson.M{"$in": sel.ExternalIDs}})
	}

	res, err := s.col(origin).UpdateMany(ctx,
		bson.M{"$or": or},
		bson.M{"$set": bson.M{
			"status":      string(status),
			"run_retries": 0,
			"updated_at":  s.now(),
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset jobs: %w", mongoErr(err))
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.db.Client().Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *MongoStore) find(ctx context.Context, origin string, filter bson.M, opts *options.FindOptionsBuilder) ([]*domain.Job, error) {
	cursor, err := s.col(origin).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find jobs: %w", mongoErr(err))
	}
	defer cursor.Close(ctx)

	var docs []jobDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}

	jobs := make([]*domain.Job, len(docs))
	for i := range docs {
		jobs[i] = docs[i].toDomain()
	}
	return jobs, nil
}

func mongoErr(err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return err
}
