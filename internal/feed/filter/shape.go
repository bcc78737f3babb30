package filter

import (
	"reflect"
	"strings"
)

// DefaultIDField is the identity field of a stored record.
const DefaultIDField = "_id"

// Shape describes the fields of a record type the watcher must always keep.
type Shape struct {
	// IDField is the record's identity field.
	IDField string
	// ModifiedField, when set, is force-included in every projection.
	ModifiedField string
}

// Shaper lets a record type declare its own shape.
type Shaper interface {
	RecordShape() Shape
}

// ShapeOf resolves the shape of T.
func ShapeOf[T any]() Shape {
	return ResolveShape(reflect.TypeOf((*T)(nil)).Elem())
}

// ResolveShape resolves the shape of a record type. Types implementing
// Shaper (on value or pointer) win; otherwise struct tags are inspected:
// the field whose bson name is "_id" is the identity and a field tagged
// `changefeed:"modified"` is the modified timestamp.
func ResolveShape(t reflect.Type) Shape {
	shape := Shape{IDField: DefaultIDField}
	if t == nil {
		return shape
	}

	shaper := reflect.TypeOf((*Shaper)(nil)).Elem()
	if t.Implements(shaper) && t.Kind() != reflect.Interface {
		if s := reflect.Zero(t).Interface().(Shaper).RecordShape(); s.IDField != "" {
			return s
		}
	}
	if t.Kind() != reflect.Pointer && reflect.PointerTo(t).Implements(shaper) {
		if s := reflect.New(t).Interface().(Shaper).RecordShape(); s.IDField != "" {
			return s
		}
	}

	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return shape
	}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := bsonName(f)
		if name == "-" {
			continue
		}
		switch f.Tag.Get("changefeed") {
		case "id":
			shape.IDField = name
		case "modified":
			shape.ModifiedField = name
		}
	}
	return shape
}

// bsonName mirrors the driver's default struct key: the bson tag name or the
// lowercased field name.
func bsonName(f reflect.StructField) string {
	tag := f.Tag.Get("bson")
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return strings.ToLower(f.Name)
}
