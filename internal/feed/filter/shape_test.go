package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

type taggedRecord struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	UpdatedAt time.Time `bson:"updated_at" changefeed:"modified"`
}

type untaggedRecord struct {
	ID       string `bson:"_id"`
	Modified int64  `changefeed:"modified"`
}

type customRecord struct {
	Key string `bson:"key"`
}

func (customRecord) RecordShape() Shape {
	return Shape{IDField: "key", ModifiedField: "rev"}
}

type pointerShaper struct{}

func (*pointerShaper) RecordShape() Shape {
	return Shape{IDField: "pid"}
}

func TestShapeOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Shape{IDField: "_id", ModifiedField: "updated_at"}, ShapeOf[taggedRecord]())
	assert.Equal(t, Shape{IDField: "_id", ModifiedField: "modified"}, ShapeOf[untaggedRecord]())
	assert.Equal(t, Shape{IDField: "_id", ModifiedField: "updated_at"}, ShapeOf[*taggedRecord]())
	assert.Equal(t, Shape{IDField: "key", ModifiedField: "rev"}, ShapeOf[customRecord]())
	assert.Equal(t, Shape{IDField: "pid"}, ShapeOf[pointerShaper]())
	assert.Equal(t, Shape{IDField: "_id"}, ShapeOf[bson.M]())
	assert.Equal(t, Shape{IDField: "_id"}, ShapeOf[any]())
}
