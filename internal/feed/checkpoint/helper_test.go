package checkpoint

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	testMongoURI = "mongodb://localhost:27017"
	globalClient *mongo.Client
	clientOnce   sync.Once
)

func init() {
	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		testMongoURI = uri
	}
}

func getGlobalTestClient(t *testing.T) *mongo.Client {
	clientOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client, err := mongo.Connect(ctx, options.Client().ApplyURI(testMongoURI).SetServerSelectionTimeout(2*time.Second))
		if err != nil {
			return
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return
		}
		globalClient = client
	})

	if globalClient == nil {
		t.Skip("Skipping test: MongoDB not reachable at " + testMongoURI)
	}
	return globalClient
}

func setupTestDB(t *testing.T) *mongo.Database {
	t.Parallel()

	client := getGlobalTestClient(t)

	safeName := strings.NewReplacer("/", "_", "\\", "_").Replace(t.Name())
	if len(safeName) > 20 {
		safeName = safeName[len(safeName)-20:]
	}
	dbName := fmt.Sprintf("test_checkpoint_%s_%d", safeName, time.Now().UnixNano()%100000)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Database(dbName).Drop(ctx)
	})

	return client.Database(dbName)
}
