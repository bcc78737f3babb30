// Package dispatch fans change batches out to registered subscribers.
//
// A Table holds four ordered registries: synchronous and asynchronous
// handlers for typed records, and synchronous and asynchronous handlers for
// raw change envelopes. Dispatch delivers one batch per call and returns only
// after every handler for that batch has finished.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/syntrixbase/changefeed/internal/feed/events"
	"golang.org/x/sync/errgroup"
)

// ErrSubscriberPanic wraps a panic recovered from a handler.
var ErrSubscriberPanic = errors.New("subscriber panicked")

// RecordHandler receives the typed records of one batch. The slice is shared
// with other handlers of the same batch and must not be modified.
type RecordHandler[T any] func(ctx context.Context, records []T) error

// EnvelopeHandler receives the raw envelopes of one batch, invalidate marker
// included.
type EnvelopeHandler func(ctx context.Context, batch events.Batch) error

// Decoder converts an envelope into a typed record.
type Decoder[T any] func(env *events.ChangeEnvelope) (T, error)

// Handle identifies one registration.
type Handle string

// Family selects one of the four registries.
type Family int

const (
	SyncRecords Family = iota
	AsyncRecords
	SyncEnvelopes
	AsyncEnvelopes
)

func (f Family) String() string {
	switch f {
	case SyncRecords:
		return "sync-records"
	case AsyncRecords:
		return "async-records"
	case SyncEnvelopes:
		return "sync-envelopes"
	case AsyncEnvelopes:
		return "async-envelopes"
	default:
		return "unknown"
	}
}

// Table is safe for concurrent registration while Dispatch runs.
type Table[T any] struct {
	decode Decoder[T]

	syncRecords    registry[RecordHandler[T]]
	asyncRecords   registry[RecordHandler[T]]
	syncEnvelopes  registry[EnvelopeHandler]
	asyncEnvelopes registry[EnvelopeHandler]
}

// NewTable creates a table that decodes records with decode.
func NewTable[T any](decode Decoder[T]) *Table[T] {
	return &Table[T]{decode: decode}
}

// AddRecords registers a synchronous typed-record handler.
func (t *Table[T]) AddRecords(h RecordHandler[T]) Handle {
	return t.syncRecords.add(h)
}

// AddRecordsAsync registers an asynchronous typed-record handler.
func (t *Table[T]) AddRecordsAsync(h RecordHandler[T]) Handle {
	return t.asyncRecords.add(h)
}

// AddEnvelopes registers a synchronous raw-envelope handler.
func (t *Table[T]) AddEnvelopes(h EnvelopeHandler) Handle {
	return t.syncEnvelopes.add(h)
}

// AddEnvelopesAsync registers an asynchronous raw-envelope handler.
func (t *Table[T]) AddEnvelopesAsync(h EnvelopeHandler) Handle {
	return t.asyncEnvelopes.add(h)
}

// Remove unregisters the handler behind h. It reports whether it was found.
func (t *Table[T]) Remove(h Handle) bool {
	return t.syncRecords.remove(h) ||
		t.asyncRecords.remove(h) ||
		t.syncEnvelopes.remove(h) ||
		t.asyncEnvelopes.remove(h)
}

// RemoveAll empties one registry.
func (t *Table[T]) RemoveAll(f Family) {
	switch f {
	case SyncRecords:
		t.syncRecords.clear()
	case AsyncRecords:
		t.asyncRecords.clear()
	case SyncEnvelopes:
		t.syncEnvelopes.clear()
	case AsyncEnvelopes:
		t.asyncEnvelopes.clear()
	}
}

// Clear empties all four registries.
func (t *Table[T]) Clear() {
	for _, f := range []Family{SyncRecords, AsyncRecords, SyncEnvelopes, AsyncEnvelopes} {
		t.RemoveAll(f)
	}
}

// Count returns the number of handlers in one registry.
func (t *Table[T]) Count(f Family) int {
	switch f {
	case SyncRecords:
		return t.syncRecords.len()
	case AsyncRecords:
		return t.asyncRecords.len()
	case SyncEnvelopes:
		return t.syncEnvelopes.len()
	case AsyncEnvelopes:
		return t.asyncEnvelopes.len()
	default:
		return 0
	}
}

// Total returns the number of handlers across all registries.
func (t *Table[T]) Total() int {
	return t.syncRecords.len() + t.asyncRecords.len() + t.syncEnvelopes.len() + t.asyncEnvelopes.len()
}

// Dispatch delivers batch. Record handlers get the decoded records of the
// non-invalidate envelopes and are skipped when there are none; envelope
// handlers get the batch unchanged. Within each family the synchronous
// handlers run in registration order before the asynchronous ones start,
// and the asynchronous ones are awaited together. The first error stops
// delivery and is returned.
func (t *Table[T]) Dispatch(ctx context.Context, batch events.Batch) error {
	syncRecords := t.syncRecords.snapshot()
	asyncRecords := t.asyncRecords.snapshot()
	if len(syncRecords)+len(asyncRecords) > 0 {
		records, err := t.records(batch)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			if err := fanOut(ctx, syncRecords, asyncRecords, records); err != nil {
				return err
			}
		}
	}

	return fanOut(ctx, t.syncEnvelopes.snapshot(), t.asyncEnvelopes.snapshot(), batch)
}

func (t *Table[T]) records(batch events.Batch) ([]T, error) {
	changes := batch.Changes()
	records := make([]T, 0, len(changes))
	for _, env := range changes {
		rec, err := t.decode(env)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s record: %w", env.OperationType, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func fanOut[P any, H ~func(context.Context, P) error](ctx context.Context, syncHandlers, asyncHandlers []H, payload P) error {
	for _, h := range syncHandlers {
		if err := invoke(ctx, h, payload); err != nil {
			return err
		}
	}
	if len(asyncHandlers) == 0 {
		return nil
	}

	var g errgroup.Group
	for _, h := range asyncHandlers {
		g.Go(func() error {
			return invoke(ctx, h, payload)
		})
	}
	return g.Wait()
}

func invoke[P any, H ~func(context.Context, P) error](ctx context.Context, h H, payload P) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSubscriberPanic, r)
		}
	}()
	return h(ctx, payload)
}

type entry[H any] struct {
	handle Handle
	fn     H
}

// registry is an ordered, append/remove collection of handlers.
type registry[H any] struct {
	mu      sync.RWMutex
	entries []entry[H]
}

func (r *registry[H]) add(fn H) Handle {
	h := Handle(uuid.NewString())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry[H]{handle: h, fn: fn})
	return h
}

func (r *registry[H]) remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.handle == h {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry[H]) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

func (r *registry[H]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *registry[H]) snapshot() []H {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]H, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.fn
	}
	return out
}
