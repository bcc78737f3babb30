package cursor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/syntrixbase/changefeed/internal/feed/events"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// stream is the subset of *mongo.ChangeStream the cursor drives.
type stream interface {
	Next(ctx context.Context) bool
	TryNext(ctx context.Context) bool
	RemainingBatchLength() int
	Raw() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

type changeStream struct {
	*mongo.ChangeStream
}

func (s changeStream) Raw() bson.Raw {
	return s.Current
}

type watchFunc func(ctx context.Context, pipeline any, opts ...*options.ChangeStreamOptions) (stream, error)

// MongoOpener opens change streams on a MongoDB collection.
type MongoOpener struct {
	watch  watchFunc
	logger *slog.Logger
}

// NewMongoOpener creates an opener watching coll.
func NewMongoOpener(coll *mongo.Collection, logger *slog.Logger) *MongoOpener {
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoOpener{
		watch: func(ctx context.Context, pipeline any, opts ...*options.ChangeStreamOptions) (stream, error) {
			cs, err := coll.Watch(ctx, pipeline, opts...)
			if err != nil {
				return nil, err
			}
			return changeStream{cs}, nil
		},
		logger: logger.With("component", "mongo-cursor", "collection", coll.Name()),
	}
}

// Open implements Opener.
func (o *MongoOpener) Open(ctx context.Context, req OpenRequest) (Cursor, error) {
	if req.Spec == nil {
		return nil, fmt.Errorf("cursor open: filter spec is required")
	}

	opts := options.ChangeStream().SetFullDocument(req.Spec.FullDocument)
	if req.BatchSize > 0 {
		opts.SetBatchSize(int32(req.BatchSize))
	}
	if req.Position != nil {
		// startAfter (unlike resumeAfter) is accepted after an invalidate.
		opts.SetStartAfter(req.Position)
		o.logger.Info("opening change stream from resume position")
	} else {
		o.logger.Info("opening change stream from now")
	}
	if req.Spec.HasExpr() {
		o.logger.Debug("client-side filter expression enabled")
	}

	cs, err := o.watch(ctx, req.Spec.Pipeline(), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream: %w", err)
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &mongoCursor{
		stream:    cs,
		admit:     req.Spec.Admit,
		batchSize: batchSize,
	}, nil
}

type mongoCursor struct {
	stream    stream
	admit     func(*events.ChangeEnvelope) (bool, error)
	batchSize int

	// failed is an event error held back so the events collected before it
	// could be returned first.
	failed error
}

// Next implements Cursor. It blocks for the first event, then drains what the
// driver already buffered, up to the batch size. An event that cannot be
// decoded or evaluated fails the cursor; events collected before it are
// returned first and the error on the following call.
func (c *mongoCursor) Next(ctx context.Context) (events.Batch, error) {
	if c.failed != nil {
		return nil, c.failed
	}
	for {
		if !c.stream.Next(ctx) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err := c.stream.Err(); err != nil {
				return nil, fmt.Errorf("change stream error: %w", err)
			}
			return nil, ErrExhausted
		}

		batch := make(events.Batch, 0, c.batchSize)
		invalidated, err := c.collect(&batch)
		for err == nil && !invalidated && len(batch) < c.batchSize && c.stream.RemainingBatchLength() > 0 {
			if !c.stream.TryNext(ctx) {
				break
			}
			invalidated, err = c.collect(&batch)
		}
		if err != nil {
			c.failed = err
			if len(batch) > 0 {
				return batch, nil
			}
			return nil, err
		}
		if err := c.stream.Err(); err != nil && len(batch) == 0 {
			return nil, fmt.Errorf("change stream error: %w", err)
		}

		if len(batch) > 0 {
			return batch, nil
		}
		// Every buffered event was filtered out; wait for more.
	}
}

// collect decodes the current event into batch and reports whether it was
// the invalidate marker.
func (c *mongoCursor) collect(batch *events.Batch) (bool, error) {
	env, err := events.Decode(c.stream.Raw())
	if err != nil {
		return false, err
	}

	ok, err := c.admit(env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate filter on %s event: %w", env.OperationType, err)
	}
	if ok {
		*batch = append(*batch, env)
	}
	return env.IsInvalidate(), nil
}

// Close implements Cursor.
func (c *mongoCursor) Close(ctx context.Context) error {
	return c.stream.Close(ctx)
}
