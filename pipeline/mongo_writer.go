package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/aluiziolira/go-scrape-museums/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoTimeout = 10 * time.Second

// MongoWriter upserts artifacts into a MongoDB collection keyed by item id.
type MongoWriter struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoWriter connects to uri and verifies the server is reachable.
func NewMongoWriter(uri, database, collection string) (*MongoWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &MongoWriter{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

// Write replaces or inserts every artifact in one unordered bulk call.
func (mw *MongoWriter) Write(artifacts []*models.Artifact) error {
	_, err := mw.Insert(artifacts)
	return err
}

// Insert is Write that also returns how many documents were newly created.
func (mw *MongoWriter) Insert(artifacts []*models.Artifact) (int, error) {
	if len(artifacts) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()

	res, err := mw.collection.BulkWrite(ctx, upsertModels(artifacts), options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, fmt.Errorf("bulk write: %w", err)
	}
	return int(res.UpsertedCount), nil
}

// Close disconnects the client.
func (mw *MongoWriter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()
	return mw.client.Disconnect(ctx)
}

// Validate checks that the collection holds at least one document.
func (mw *MongoWriter) Validate() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()

	count, err := mw.collection.CountDocuments(ctx, bson.D{})
	if err != nil {
		return fmt.Errorf("count documents: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("mongo collection is empty")
	}
	return nil
}

// PersistedIDs lists the stored item ids.
func (mw *MongoWriter) PersistedIDs() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()

	values, err := mw.collection.Distinct(ctx, "_id", bson.D{})
	if err != nil {
		return nil, fmt.Errorf("distinct ids: %w", err)
	}
	ids := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func upsertModels(artifacts []*models.Artifact) []mongo.WriteModel {
	writes := make([]mongo.WriteModel, 0, len(artifacts))
	for _, a := range artifacts {
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: a.ItemID}}).
			SetReplacement(a).
			SetUpsert(true))
	}
	return writes
}
