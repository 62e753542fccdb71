package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store persists finished reports.
type Store interface {
	Save(ctx context.Context, r Report) error
	Close(ctx context.Context) error
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MongoStore)(nil)
)

// ErrNotFound is returned by MongoStore.Load for an unknown report ID.
var ErrNotFound = errors.New("report not found")

type MongoStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
}

// NewMongoStore connects to uri and verifies the connection with a ping.
func NewMongoStore(ctx context.Context, uri, dbName, collName string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return &MongoStore{
		Client:     client,
		Collection: client.Database(dbName).Collection(collName),
	}, nil
}

// Save upserts r keyed by its ID.
func (m *MongoStore) Save(ctx context.Context, r Report) error {
	if r.ID == "" {
		return fmt.Errorf("save report: empty id")
	}
	_, err := m.Collection.ReplaceOne(ctx, bson.M{"_id": r.ID}, r, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save report %s: MongoDB ReplaceOne failed: %w", r.ID, err)
	}
	return nil
}

func (m *MongoStore) Load(ctx context.Context, id string) (Report, error) {
	var r Report
	err := m.Collection.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Report{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Report{}, fmt.Errorf("load report %s: %w", id, err)
	}
	return r, nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	if m.Client == nil {
		return nil
	}
	return m.Client.Disconnect(ctx)
}
