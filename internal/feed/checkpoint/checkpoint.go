// Package checkpoint persists watcher resume positions so that watching can
// survive a process restart.
package checkpoint

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultCollection holds checkpoints written by MongoStore.
const DefaultCollection = "_changefeed_checkpoints"

// Store persists the resume position of one watcher.
type Store interface {
	// Save persists the resume position. A nil position is ignored.
	Save(ctx context.Context, position bson.Raw) error

	// Load retrieves the last saved position.
	// Returns nil if no checkpoint exists.
	Load(ctx context.Context) (bson.Raw, error)

	// Delete removes the checkpoint.
	Delete(ctx context.Context) error
}

// MongoStore implements Store using MongoDB.
type MongoStore struct {
	collection *mongo.Collection
	key        string
}

// checkpointDoc is the MongoDB document structure for checkpoints.
type checkpointDoc struct {
	ID        string    `bson:"_id"`
	Position  string    `bson:"position"` // Base64-encoded resume token
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoStore creates a MongoDB-backed store keyed by key (usually the
// watcher name). An empty collection name selects DefaultCollection.
func NewMongoStore(db *mongo.Database, collection, key string) *MongoStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &MongoStore{
		collection: db.Collection(collection),
		key:        key,
	}
}

// Save implements Store.
func (s *MongoStore) Save(ctx context.Context, position bson.Raw) error {
	if position == nil {
		return nil
	}

	doc := checkpointDoc{
		ID:        s.key,
		Position:  base64.StdEncoding.EncodeToString(position),
		UpdatedAt: time.Now(),
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": s.key}, doc, opts); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *MongoStore) Load(ctx context.Context) (bson.Raw, error) {
	var doc checkpointDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": s.key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	position, err := base64.StdEncoding.DecodeString(doc.Position)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint position: %w", err)
	}
	return bson.Raw(position), nil
}

// Delete implements Store.
func (s *MongoStore) Delete(ctx context.Context) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": s.key}); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
