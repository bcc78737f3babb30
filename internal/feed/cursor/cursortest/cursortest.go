// Package cursortest provides a scripted change feed cursor for tests.
package cursortest

import (
	"context"
	"errors"
	"sync"

	"github.com/syntrixbase/changefeed/internal/feed/cursor"
	"github.com/syntrixbase/changefeed/internal/feed/events"
	"go.mongodb.org/mongo-driver/bson"
)

type step struct {
	batch events.Batch
	err   error
}

// Cursor is a cursor.Cursor fed by the test through Push, Fail and End.
type Cursor struct {
	steps chan step

	mu        sync.Mutex
	nextCalls int
	closed    bool
	ended     bool
}

// NewCursor creates an empty scripted cursor.
func NewCursor() *Cursor {
	return &Cursor{steps: make(chan step, 256)}
}

// Push queues a batch.
func (c *Cursor) Push(batch ...*events.ChangeEnvelope) *Cursor {
	c.steps <- step{batch: batch}
	return c
}

// Fail queues an iteration error.
func (c *Cursor) Fail(err error) *Cursor {
	c.steps <- step{err: err}
	return c
}

// End makes Next return cursor.ErrExhausted once queued steps are consumed.
func (c *Cursor) End() *Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ended {
		c.ended = true
		close(c.steps)
	}
	return c
}

// Next implements cursor.Cursor.
func (c *Cursor) Next(ctx context.Context) (events.Batch, error) {
	c.mu.Lock()
	c.nextCalls++
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s, ok := <-c.steps:
		if !ok {
			return nil, cursor.ErrExhausted
		}
		return s.batch, s.err
	}
}

// Close implements cursor.Cursor.
func (c *Cursor) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Cursor) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// NextCalls returns how many times Next was called.
func (c *Cursor) NextCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextCalls
}

// ErrNoCursor is returned by Opener.Open when no cursor is queued and no
// fallback is configured.
var ErrNoCursor = errors.New("cursortest: no cursor queued")

// Opener hands out queued cursors and records every open request.
type Opener struct {
	mu       sync.Mutex
	cursors  []*Cursor
	errs     []error
	requests []cursor.OpenRequest
}

// NewOpener creates an opener that returns the given cursors in order.
func NewOpener(cursors ...*Cursor) *Opener {
	return &Opener{cursors: cursors}
}

// Queue appends a cursor for a later Open call.
func (o *Opener) Queue(c *Cursor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cursors = append(o.cursors, c)
}

// FailNext makes the next Open call fail with err.
func (o *Opener) FailNext(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

// Open implements cursor.Opener.
func (o *Opener) Open(ctx context.Context, req cursor.OpenRequest) (cursor.Cursor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	req.Position = clone(req.Position)
	o.requests = append(o.requests, req)

	if len(o.errs) > 0 {
		err := o.errs[0]
		o.errs = o.errs[1:]
		return nil, err
	}
	if len(o.cursors) == 0 {
		return nil, ErrNoCursor
	}
	c := o.cursors[0]
	o.cursors = o.cursors[1:]
	return c, nil
}

// Requests returns a copy of the recorded open requests.
func (o *Opener) Requests() []cursor.OpenRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]cursor.OpenRequest(nil), o.requests...)
}

// LastRequest returns the most recent open request.
func (o *Opener) LastRequest() (cursor.OpenRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.requests) == 0 {
		return cursor.OpenRequest{}, false
	}
	return o.requests[len(o.requests)-1], true
}

// Token builds a resume token document.
func Token(data string) bson.Raw {
	raw, _ := bson.Marshal(bson.M{"_data": data})
	return raw
}

// TokenData extracts the string payload of a token built by Token.
func TokenData(token bson.Raw) string {
	if len(token) == 0 {
		return ""
	}
	v, err := token.LookupErr("_data")
	if err != nil {
		return ""
	}
	return v.StringValue()
}

// Envelope builds an envelope for op carrying record (may be nil) keyed by id.
func Envelope(op events.OperationType, id string, record bson.M, token string) *events.ChangeEnvelope {
	env := &events.ChangeEnvelope{
		OperationType:  op,
		Namespace:      events.Namespace{DB: "test", Coll: "records"},
		ResumePosition: Token(token),
	}
	if id != "" {
		env.RecordKey, _ = bson.Marshal(bson.M{"_id": id})
	}
	if record != nil {
		env.Record, _ = bson.Marshal(record)
	}
	return env
}

// Invalidate builds the invalidate marker.
func Invalidate(token string) *events.ChangeEnvelope {
	return Envelope(events.OperationInvalidate, "", nil, token)
}

func clone(r bson.Raw) bson.Raw {
	if r == nil {
		return nil
	}
	return append(bson.Raw(nil), r...)
}
