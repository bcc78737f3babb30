package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syntrixbase/changefeed/internal/feed/cursor"
	"github.com/syntrixbase/changefeed/internal/feed/events"
	"github.com/syntrixbase/changefeed/internal/feed/metrics"
	"go.mongodb.org/mongo-driver/bson"
)

const closeTimeout = 5 * time.Second

// run is the body of one loop goroutine. done belongs to this loop only;
// prev is the previous loop's done channel, nil for the first loop.
func (w *Watcher[T]) run(ctx context.Context, position bson.Raw, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}

	reason, err := w.consume(ctx, position)
	w.finish(ctx, reason, err)
}

// consume opens the cursor and dispatches batches until the loop has to stop.
func (w *Watcher[T]) consume(ctx context.Context, position bson.Raw) (StopReason, error) {
	if position != nil {
		w.logger.Info("watch loop starting from resume position")
	} else {
		w.logger.Info("watch loop starting from now")
	}

	cur, err := w.opener.Open(ctx, cursor.OpenRequest{
		Spec:      w.spec,
		Position:  position,
		BatchSize: w.opts.BatchSize,
	})
	if err != nil {
		if ctx.Err() != nil {
			return StopCancelled, nil
		}
		metrics.LoopErrors.WithLabelValues(w.name, "open").Inc()
		return StopFailed, fmt.Errorf("failed to open change feed cursor: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := cur.Close(closeCtx); err != nil {
			w.logger.Warn("failed to close change feed cursor", "error", err)
		}
	}()

	// Cancellation is only observed between fetches. Subscribers get a
	// context that is never cancelled, so a started batch always completes.
	dispatchCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return StopCancelled, nil
		}

		batch, err := cur.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return StopCancelled, nil
			case errors.Is(err, cursor.ErrExhausted):
				return StopExhausted, nil
			default:
				metrics.LoopErrors.WithLabelValues(w.name, "fetch").Inc()
				return StopFailed, fmt.Errorf("failed to fetch change batch: %w", err)
			}
		}
		if len(batch) == 0 {
			continue
		}
		metrics.BatchesFetched.WithLabelValues(w.name).Inc()

		if err := w.deliver(dispatchCtx, batch); err != nil {
			metrics.LoopErrors.WithLabelValues(w.name, "dispatch").Inc()
			return StopFailed, err
		}
		w.resume.Advance(batch)

		if batch.Invalidated() {
			return StopInvalidated, nil
		}
	}
}

func (w *Watcher[T]) deliver(ctx context.Context, batch events.Batch) error {
	w.logger.Debug("dispatching batch", "size", len(batch))

	start := time.Now()
	if err := w.table.Dispatch(ctx, batch); err != nil {
		return fmt.Errorf("subscriber failed: %w", err)
	}
	metrics.DispatchLatency.WithLabelValues(w.name).Observe(time.Since(start).Seconds())

	for _, env := range batch {
		metrics.EventsDelivered.WithLabelValues(w.name, string(env.OperationType)).Inc()
	}
	return nil
}

// finish moves the watcher out of the running state and notifies listeners.
// The stop notification fires exactly once per loop.
func (w *Watcher[T]) finish(ctx context.Context, reason StopReason, err error) {
	w.mu.Lock()
	// Checked under the lock so a cancellation racing with this stop is
	// seen either here or by cancelIdle.
	cancelled := reason == StopCancelled || ctx.Err() != nil
	if cancelled {
		reason = StopCancelled
		w.state = StateCancelled
	} else {
		w.state = StateStopped
	}
	w.lastErr = err
	metrics.Running.WithLabelValues(w.name).Set(0)
	metrics.Stops.WithLabelValues(w.name, string(reason)).Inc()
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("watch loop failed", "error", err)
		w.notifyError(err)
	}
	w.logger.Info("watch loop stopped", "reason", reason)
	w.notifyStop(reason)

	if cancelled {
		w.table.Clear()
	}
}
