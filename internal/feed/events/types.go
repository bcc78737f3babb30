// Package events defines the change envelope delivered by the change feed
// and the event kinds subscribers select.
package events

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OperationType is the raw operation reported by the change feed.
// Values match MongoDB change stream semantics.
type OperationType string

const (
	OperationInsert     OperationType = "insert"
	OperationUpdate     OperationType = "update"
	OperationReplace    OperationType = "replace"
	OperationDelete     OperationType = "delete"
	OperationInvalidate OperationType = "invalidate"
)

// IsValid checks if the operation type is one the watcher understands.
func (o OperationType) IsValid() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationReplace, OperationDelete, OperationInvalidate:
		return true
	default:
		return false
	}
}

// Kind is a bit set of subscriber-facing event categories.
type Kind uint8

const (
	KindCreated Kind = 1 << iota
	KindUpdated
	KindDeleted

	// KindAll selects every category.
	KindAll = KindCreated | KindUpdated | KindDeleted
)

// Has reports whether every bit of other is set in k.
func (k Kind) Has(other Kind) bool {
	return other != 0 && k&other == other
}

// IsEmpty reports whether no category is selected.
func (k Kind) IsEmpty() bool {
	return k&KindAll == 0
}

// Operations returns the raw operations covered by the selected categories.
func (k Kind) Operations() []OperationType {
	var ops []OperationType
	if k.Has(KindCreated) {
		ops = append(ops, OperationInsert)
	}
	if k.Has(KindUpdated) {
		ops = append(ops, OperationUpdate, OperationReplace)
	}
	if k.Has(KindDeleted) {
		ops = append(ops, OperationDelete)
	}
	return ops
}

func (k Kind) String() string {
	if k.IsEmpty() {
		return "none"
	}
	var parts []string
	if k.Has(KindCreated) {
		parts = append(parts, "created")
	}
	if k.Has(KindUpdated) {
		parts = append(parts, "updated")
	}
	if k.Has(KindDeleted) {
		parts = append(parts, "deleted")
	}
	return strings.Join(parts, "|")
}

// ParseKinds parses category names ("created", "updated", "deleted").
func ParseKinds(names []string) (Kind, error) {
	var k Kind
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "created", "create", "insert":
			k |= KindCreated
		case "updated", "update":
			k |= KindUpdated
		case "deleted", "delete":
			k |= KindDeleted
		default:
			return 0, fmt.Errorf("unknown event kind: %q", name)
		}
	}
	return k, nil
}

// KindOf maps a raw operation to its category. Invalidate maps to no category.
func KindOf(op OperationType) Kind {
	switch op {
	case OperationInsert:
		return KindCreated
	case OperationUpdate, OperationReplace:
		return KindUpdated
	case OperationDelete:
		return KindDeleted
	default:
		return 0
	}
}

// Namespace identifies the database and collection an event belongs to.
type Namespace struct {
	DB   string `bson:"db" json:"db"`
	Coll string `bson:"coll" json:"coll"`
}

// UpdateDescription contains the delta for partial updates.
type UpdateDescription struct {
	UpdatedFields   bson.Raw         `bson:"updatedFields,omitempty"`
	RemovedFields   []string         `bson:"removedFields,omitempty"`
	TruncatedArrays []TruncatedArray `bson:"truncatedArrays,omitempty"`
}

// TruncatedArray describes an array that was truncated during an update.
type TruncatedArray struct {
	Field   string `bson:"field" json:"field"`
	NewSize int32  `bson:"newSize" json:"newSize"`
}

// ChangeEnvelope is one event as delivered by the change feed cursor.
type ChangeEnvelope struct {
	OperationType     OperationType
	Namespace         Namespace
	RecordKey         bson.Raw
	Record            bson.Raw // nil for deletes and invalidate markers
	UpdateDescription *UpdateDescription
	ClusterTime       primitive.Timestamp
	ResumePosition    bson.Raw
}

// IsInvalidate reports whether the envelope is the invalidate marker.
func (e *ChangeEnvelope) IsInvalidate() bool {
	return e.OperationType == OperationInvalidate
}

// Kind returns the category of the envelope.
func (e *ChangeEnvelope) Kind() Kind {
	return KindOf(e.OperationType)
}

// RecordOrKey returns the record, falling back to the record key when the
// full record is not available (deletes, only-IDs mode).
func (e *ChangeEnvelope) RecordOrKey() bson.Raw {
	if len(e.Record) > 0 {
		return e.Record
	}
	return e.RecordKey
}

// rawEnvelope mirrors the change stream document layout.
type rawEnvelope struct {
	ID                bson.RawValue       `bson:"_id"`
	OperationType     string              `bson:"operationType"`
	Namespace         Namespace           `bson:"ns"`
	DocumentKey       bson.RawValue       `bson:"documentKey"`
	FullDocument      bson.RawValue       `bson:"fullDocument"`
	UpdateDescription *UpdateDescription  `bson:"updateDescription"`
	ClusterTime       primitive.Timestamp `bson:"clusterTime"`
}

// Decode converts a raw change stream document into a ChangeEnvelope.
func Decode(raw bson.Raw) (*ChangeEnvelope, error) {
	var r rawEnvelope
	if err := bson.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode change event: %w", err)
	}

	op := OperationType(r.OperationType)
	if !op.IsValid() {
		return nil, fmt.Errorf("unknown operation type: %s", r.OperationType)
	}

	token, ok := r.ID.DocumentOK()
	if !ok {
		return nil, fmt.Errorf("change event has no resume token")
	}

	env := &ChangeEnvelope{
		OperationType:     op,
		Namespace:         r.Namespace,
		UpdateDescription: r.UpdateDescription,
		ClusterTime:       r.ClusterTime,
		ResumePosition:    cloneRaw(token),
	}
	if key, ok := r.DocumentKey.DocumentOK(); ok {
		env.RecordKey = cloneRaw(key)
	}
	if doc, ok := r.FullDocument.DocumentOK(); ok {
		env.Record = cloneRaw(doc)
	}
	return env, nil
}

func cloneRaw(r bson.Raw) bson.Raw {
	if r == nil {
		return nil
	}
	return append(bson.Raw(nil), r...)
}

// Batch is a group of envelopes delivered by one fetch.
type Batch []*ChangeEnvelope

// Last returns the final envelope of the batch, or nil when empty.
func (b Batch) Last() *ChangeEnvelope {
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}

// Invalidated reports whether the batch carries the invalidate marker.
func (b Batch) Invalidated() bool {
	for _, e := range b {
		if e.IsInvalidate() {
			return true
		}
	}
	return false
}

// Changes returns the batch without invalidate markers.
func (b Batch) Changes() Batch {
	out := make(Batch, 0, len(b))
	for _, e := range b {
		if !e.IsInvalidate() {
			out = append(out, e)
		}
	}
	return out
}

// HasChanges reports whether the batch holds at least one non-invalidate event.
func (b Batch) HasChanges() bool {
	for _, e := range b {
		if !e.IsInvalidate() {
			return true
		}
	}
	return false
}
