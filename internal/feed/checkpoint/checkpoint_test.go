package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func testPosition(t *testing.T, data string) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(bson.M{"_data": data})
	require.NoError(t, err)
	return raw
}

func TestMongoStore_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewMongoStore(db, "", "orders")

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Save(ctx, testPosition(t, "t1")))
	require.NoError(t, store.Save(ctx, testPosition(t, "t2")))

	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, testPosition(t, "t2"), got)

	n, err := db.Collection(DefaultCollection).CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.Delete(ctx))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMongoStore_KeysAreIsolated(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := NewMongoStore(db, "positions", "a")
	b := NewMongoStore(db, "positions", "b")
	require.NoError(t, a.Save(ctx, testPosition(t, "a1")))
	require.NoError(t, b.Save(ctx, nil))

	got, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = a.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, testPosition(t, "a1"), got)
}

func TestMongoStore_CorruptPosition(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewMongoStore(db, "", "broken")

	_, err := db.Collection(DefaultCollection).InsertOne(ctx, bson.M{"_id": "broken", "position": "%%%"})
	require.NoError(t, err)

	_, err = store.Load(ctx)
	assert.ErrorContains(t, err, "decode")
}
