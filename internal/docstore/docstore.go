// Package docstore keeps test records in MongoDB.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/pavelanni/iqtester/internal/model"
	"github.com/pavelanni/iqtester/internal/store"
)

const collectionName = "tests"

// Config holds the connection settings.
type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// Store implements store.TestRecords on a MongoDB collection.
type Store struct {
	client *mongo.Client
	coll   collection
}

// collection is the subset of collection operations the store needs.
type collection interface {
	insertOne(ctx context.Context, d testDoc) error
	findOne(ctx context.Context, id string) (testDoc, error)
	setFields(ctx context.Context, id string, set bson.M) (matched int64, err error)
	findMany(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]testDoc, error)
}

var _ store.TestRecords = (*Store)(nil)

// Connect opens the client, verifies the connection and ensures indexes.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}

	c := client.Database(cfg.Database).Collection(collectionName)
	if err := createIndexes(ctx, c); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	slog.Info("connected to MongoDB", "database", cfg.Database)
	return &Store{client: client, coll: mongoCollection{c}}, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func createIndexes(ctx context.Context, c *mongo.Collection) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "category", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "completed_at", Value: -1}}},
	}
	if _, err := c.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// CreateTest inserts a new test record.
func (s *Store) CreateTest(ctx context.Context, t model.Test) (model.Test, error) {
	t, err := store.PrepareNew(t, time.Now())
	if err != nil {
		return model.Test{}, err
	}
	if err := s.coll.insertOne(ctx, toDoc(t)); err != nil {
		return model.Test{}, fmt.Errorf("failed to create test: %w", err)
	}
	return t, nil
}

// GetTest retrieves a test record by ID.
func (s *Store) GetTest(ctx context.Context, id string) (model.Test, error) {
	d, err := s.coll.findOne(ctx, id)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Test{}, fmt.Errorf("test %s: %w", id, store.ErrNotFound)
		}
		return model.Test{}, fmt.Errorf("failed to get test: %w", err)
	}
	return d.toModel()
}

// UpdateTest applies a partial update with $set. The merged record must
// still be valid.
func (s *Store) UpdateTest(ctx context.Context, id string, u model.TestUpdate) error {
	if u.Empty() {
		return nil
	}
	current, err := s.GetTest(ctx, id)
	if err != nil {
		return err
	}
	if err := u.Apply(current).Validate(); err != nil {
		return err
	}
	matched, err := s.coll.setFields(ctx, id, updateDoc(u))
	if err != nil {
		return fmt.Errorf("failed to update test: %w", err)
	}
	if matched == 0 {
		return fmt.Errorf("test %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// ListCompletedByUser returns the user's completed tests, newest first.
func (s *Store) ListCompletedByUser(ctx context.Context, userID int64) ([]model.Test, error) {
	filter := bson.M{"user_id": userID, "status": model.StatusCompleted}
	opts := options.Find().SetSort(bson.D{{Key: "completed_at", Value: -1}})
	return s.find(ctx, filter, opts)
}

// CompletedScores returns the score of every completed test in category.
func (s *Store) CompletedScores(ctx context.Context, category string) ([]int, error) {
	filter := bson.M{"category": category, "status": model.StatusCompleted}
	opts := options.Find().SetProjection(bson.M{"score": 1})
	docs, err := s.coll.findMany(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find scores: %w", err)
	}
	scores := make([]int, len(docs))
	for i, d := range docs {
		scores[i] = d.Score
	}
	return scores, nil
}

// ListAllTests returns every test record, oldest first.
func (s *Store) ListAllTests(ctx context.Context) ([]model.Test, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	return s.find(ctx, bson.M{}, opts)
}

func (s *Store) find(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]model.Test, error) {
	docs, err := s.coll.findMany(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find tests: %w", err)
	}
	tests := make([]model.Test, 0, len(docs))
	for _, d := range docs {
		t, err := d.toModel()
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, nil
}

// mongoCollection runs the store's operations against a driver collection.
type mongoCollection struct {
	c *mongo.Collection
}

func (m mongoCollection) insertOne(ctx context.Context, d testDoc) error {
	_, err := m.c.InsertOne(ctx, d)
	return err
}

func (m mongoCollection) findOne(ctx context.Context, id string) (testDoc, error) {
	var d testDoc
	err := m.c.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	return d, err
}

func (m mongoCollection) setFields(ctx context.Context, id string, set bson.M) (int64, error) {
	res, err := m.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

func (m mongoCollection) findMany(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]testDoc, error) {
	cursor, err := m.c.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []testDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
