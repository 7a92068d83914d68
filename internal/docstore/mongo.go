package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/marketplace-migrator/internal/storeerr"
)

const mongoStore = "mongodb"

// MongoConfig holds configuration for the MongoDB writer
type MongoConfig struct {
	URL            string
	Database       string
	ConnectTimeout time.Duration
	Retry          storeerr.RetryPolicy
}

// DefaultMongoConfig returns sensible defaults
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URL:            "mongodb://localhost:27017",
		Database:       "marketplace",
		ConnectTimeout: 10 * time.Second,
		Retry:          storeerr.DefaultRetryPolicy(),
	}
}

// MongoStore upserts documents with ReplaceOne, one round trip per document
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    MongoConfig
	logger *zap.Logger
}

// NewMongoStore connects and pings the primary with bounded retries
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URL).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}

	s := &MongoStore{
		client: client,
		db:     client.Database(cfg.Database),
		cfg:    cfg,
		logger: logger.Named("mongo"),
	}
	err = cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return classifyMongo(client.Ping(ctx, nil), "connect", "")
	}, s.notify("connect"))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.logger.Info("MongoDB connected", zap.String("database", cfg.Database))
	return s, nil
}

func (s *MongoStore) notify(op string) func(error, int) {
	return func(err error, attempt int) {
		s.logger.Warn("MongoDB call failed, retrying...",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

func mongoIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		CollectionUsers: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true).SetName("email_unique")},
			{Keys: bson.D{{Key: RunField, Value: 1}}, Options: options.Index().SetName("run")},
		},
		CollectionProducts: {
			{Keys: bson.D{{Key: "status", Value: 1}}, Options: options.Index().SetName("status")},
			{Keys: bson.D{{Key: "seller.id", Value: 1}}, Options: options.Index().SetName("seller_id")},
			{Keys: bson.D{{Key: "title", Value: "text"}, {Key: "description", Value: "text"}}, Options: options.Index().SetName("title_description_text")},
			{Keys: bson.D{{Key: RunField, Value: 1}}, Options: options.Index().SetName("run")},
		},
		CollectionConversations: {
			{Keys: bson.D{{Key: "participants.username", Value: 1}}, Options: options.Index().SetName("participants")},
			{Keys: bson.D{{Key: RunField, Value: 1}}, Options: options.Index().SetName("run")},
		},
	}
}

// EnsureIndexes creates the collection indexes. Creating an existing index
// is a no-op.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	for _, coll := range Collections {
		models := mongoIndexes()[coll]
		err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			_, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models)
			return classifyMongo(err, "indexes", coll)
		}, s.notify("indexes"))
		if err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", coll, err)
		}
	}
	return nil
}

// Upsert replaces the whole document keyed by _id
func (s *MongoStore) Upsert(ctx context.Context, doc Document) error {
	return s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.Collection(doc.Collection).ReplaceOne(ctx,
			bson.M{"_id": doc.ID}, doc.Body, options.Replace().SetUpsert(true))
		return classifyMongo(err, "upsert", doc.Key())
	}, s.notify("upsert"))
}

// Find returns one document by _id
func (s *MongoStore) Find(ctx context.Context, collection, id string) (map[string]any, bool, error) {
	var doc bson.M
	err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			doc = nil
			return nil
		}
		return classifyMongo(err, "find", collection+"/"+id)
	}, s.notify("find"))
	if err != nil || doc == nil {
		return nil, false, err
	}
	return plain(doc).(map[string]any), true, nil
}

// Target returns the hashed server URL and database
func (s *MongoStore) Target() string {
	return targetID(mongoStore, s.cfg.URL, s.cfg.Database)
}

// Prune deletes documents last written by another run
func (s *MongoStore) Prune(ctx context.Context, collection, runID string) (int, error) {
	var removed int
	err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		res, err := s.db.Collection(collection).DeleteMany(ctx, bson.M{RunField: bson.M{"$ne": runID}})
		if err != nil {
			return classifyMongo(err, "prune", collection)
		}
		removed = int(res.DeletedCount)
		return nil
	}, s.notify("prune"))
	return removed, err
}

// All returns every document of a collection ordered by _id, with BSON
// container types converted to plain maps and slices.
func (s *MongoStore) All(ctx context.Context, collection string) ([]map[string]any, error) {
	cursor, err := s.db.Collection(collection).Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, classifyMongo(err, "find", collection)
	}
	defer cursor.Close(ctx)

	var out []map[string]any
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode %s document: %w", collection, err)
		}
		out = append(out, plain(doc).(map[string]any))
	}
	if err := cursor.Err(); err != nil {
		return nil, classifyMongo(err, "find", collection)
	}
	return out, nil
}

func plain(v any) any {
	switch t := v.(type) {
	case primitive.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = plain(e)
		}
		return m
	case primitive.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = plain(e.Value)
		}
		return m
	case primitive.A:
		a := make([]any, len(t))
		for i, e := range t {
			a[i] = plain(e)
		}
		return a
	case primitive.DateTime:
		return t.Time().UTC()
	case int32:
		return int64(t)
	}
	return v
}

// Close disconnects the client
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func classifyMongo(err error, op, key string) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return &storeerr.ConstraintViolation{Store: mongoStore, Key: key, Err: err}
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) ||
		errors.Is(err, mongo.ErrClientDisconnected) || errors.Is(err, context.DeadlineExceeded) {
		return &storeerr.ConnectionError{Store: mongoStore, Op: op, Err: err}
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && serverErr.HasErrorLabel("RetryableWriteError") {
		return &storeerr.ConnectionError{Store: mongoStore, Op: op, Err: err}
	}
	return fmt.Errorf("mongodb %s %s: %w", op, key, err)
}
