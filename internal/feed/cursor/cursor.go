// Package cursor is the boundary between the watcher and the change feed.
//
// An Opener opens a Cursor for a compiled filter spec and an optional resume
// position; the Cursor then yields batches of envelopes until the feed is
// invalidated, fails, or the caller's context is done.
package cursor

import (
	"context"
	"errors"

	"github.com/syntrixbase/changefeed/internal/feed/events"
	"github.com/syntrixbase/changefeed/internal/feed/filter"
	"go.mongodb.org/mongo-driver/bson"
)

// ErrExhausted is returned by Next once the feed has ended and will yield
// nothing more (for example after the invalidate marker was delivered).
var ErrExhausted = errors.New("change feed cursor exhausted")

// OpenRequest carries the arguments of Opener.Open.
type OpenRequest struct {
	Spec *filter.Spec

	// Position resumes after the given token. Nil starts from now.
	Position bson.Raw

	// BatchSize is the maximum number of events per batch.
	BatchSize int
}

// Opener opens change feed cursors.
type Opener interface {
	Open(ctx context.Context, req OpenRequest) (Cursor, error)
}

// Cursor yields batches of change envelopes.
type Cursor interface {
	// Next blocks until a non-empty batch is available, ctx is done, or the
	// feed ends. It returns ctx.Err() on cancellation and ErrExhausted when
	// the feed has ended.
	Next(ctx context.Context) (events.Batch, error)

	// Close releases the cursor.
	Close(ctx context.Context) error
}
