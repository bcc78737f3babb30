package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestKind_Operations(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []OperationType{OperationInsert}, KindCreated.Operations())
	assert.Equal(t, []OperationType{OperationUpdate, OperationReplace}, KindUpdated.Operations())
	assert.Equal(t, []OperationType{OperationInsert, OperationUpdate, OperationReplace, OperationDelete}, KindAll.Operations())
	assert.Empty(t, Kind(0).Operations())
}

func TestKind_HasAndString(t *testing.T) {
	t.Parallel()

	k := KindCreated | KindDeleted
	assert.True(t, k.Has(KindCreated))
	assert.True(t, k.Has(KindDeleted))
	assert.False(t, k.Has(KindUpdated))
	assert.False(t, k.Has(0))
	assert.Equal(t, "created|deleted", k.String())
	assert.Equal(t, "none", Kind(0).String())
	assert.True(t, Kind(0).IsEmpty())
}

func TestParseKinds(t *testing.T) {
	t.Parallel()

	k, err := ParseKinds([]string{"created", " Updated "})
	require.NoError(t, err)
	assert.Equal(t, KindCreated|KindUpdated, k)

	_, err = ParseKinds([]string{"renamed"})
	assert.Error(t, err)
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindCreated, KindOf(OperationInsert))
	assert.Equal(t, KindUpdated, KindOf(OperationReplace))
	assert.Equal(t, KindDeleted, KindOf(OperationDelete))
	assert.Equal(t, Kind(0), KindOf(OperationInvalidate))
}

func TestDecode(t *testing.T) {
	t.Parallel()

	oid := primitive.NewObjectID()
	raw, err := bson.Marshal(bson.M{
		"_id":           bson.M{"_data": "8263A1"},
		"operationType": "update",
		"ns":            bson.M{"db": "app", "coll": "users"},
		"documentKey":   bson.M{"_id": oid},
		"fullDocument":  bson.M{"_id": oid, "name": "ada"},
		"updateDescription": bson.M{
			"updatedFields": bson.M{"name": "ada"},
			"removedFields": bson.A{"nick"},
		},
		"clusterTime": primitive.Timestamp{T: 10, I: 2},
	})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, OperationUpdate, env.OperationType)
	assert.Equal(t, Namespace{DB: "app", Coll: "users"}, env.Namespace)
	assert.Equal(t, "8263A1", env.ResumePosition.Lookup("_data").StringValue())
	assert.Equal(t, oid, env.RecordKey.Lookup("_id").ObjectID())
	assert.Equal(t, "ada", env.Record.Lookup("name").StringValue())
	require.NotNil(t, env.UpdateDescription)
	assert.Equal(t, []string{"nick"}, env.UpdateDescription.RemovedFields)
	assert.Equal(t, uint32(10), env.ClusterTime.T)
}

func TestDecode_DeleteHasNoRecord(t *testing.T) {
	t.Parallel()

	raw, err := bson.Marshal(bson.M{
		"_id":           bson.M{"_data": "01"},
		"operationType": "delete",
		"documentKey":   bson.M{"_id": "u1"},
		"fullDocument":  nil,
	})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Nil(t, env.Record)
	assert.Equal(t, env.RecordKey, env.RecordOrKey())
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	raw, _ := bson.Marshal(bson.M{"_id": bson.M{"_data": "01"}, "operationType": "shardCollection"})
	_, err := Decode(raw)
	assert.ErrorContains(t, err, "unknown operation type")

	raw, _ = bson.Marshal(bson.M{"operationType": "insert"})
	_, err = Decode(raw)
	assert.ErrorContains(t, err, "no resume token")

	_, err = Decode(bson.Raw{0x01})
	assert.Error(t, err)
}

func TestBatch_Helpers(t *testing.T) {
	t.Parallel()

	a := &ChangeEnvelope{OperationType: OperationInsert}
	inv := &ChangeEnvelope{OperationType: OperationInvalidate}

	b := Batch{a, inv}
	assert.True(t, b.Invalidated())
	assert.True(t, b.HasChanges())
	assert.Equal(t, Batch{a}, b.Changes())
	assert.Same(t, inv, b.Last())

	only := Batch{inv}
	assert.False(t, only.HasChanges())
	assert.Empty(t, only.Changes())

	assert.Nil(t, Batch{}.Last())
}
