// Package watcher consumes a change feed and delivers its batches to
// subscribers while tracking a resumable position.
//
// A Watcher is configured once through Start or StartFrom. The supplied
// context is its cancellation signal: once it is done the running loop
// stops, every subscriber is removed and the watcher can no longer be
// restarted. Any other stop (invalidate marker, cursor failure, subscriber
// error) leaves the watcher restartable through Restart, which continues from
// the stored resume position when auto-resume is enabled.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/syntrixbase/changefeed/internal/feed/cursor"
	"github.com/syntrixbase/changefeed/internal/feed/dispatch"
	"github.com/syntrixbase/changefeed/internal/feed/events"
	"github.com/syntrixbase/changefeed/internal/feed/filter"
	"github.com/syntrixbase/changefeed/internal/feed/metrics"
	"go.mongodb.org/mongo-driver/bson"
)

// Watcher watches one change feed and decodes records into T.
type Watcher[T any] struct {
	name   string
	id     string
	opener cursor.Opener
	shape  filter.Shape
	table  *dispatch.Table[T]
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	ctx     context.Context
	opts    Options
	spec    *filter.Spec
	resume  *ResumeState
	done    chan struct{}
	lastErr error

	listenersMu    sync.RWMutex
	errorListeners []func(error)
	stopListeners  []func(StopReason)
}

// New creates an unstarted watcher. The record shape is resolved from T.
func New[T any](name string, opener cursor.Opener, logger *slog.Logger) *Watcher[T] {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Watcher[T]{
		name:   name,
		id:     id,
		opener: opener,
		shape:  filter.ShapeOf[T](),
		table:  dispatch.NewTable(decodeRecord[T]),
		logger: logger.With("component", "watcher", "watcher", name, "id", id),
	}
}

func decodeRecord[T any](env *events.ChangeEnvelope) (T, error) {
	var rec T
	raw := env.RecordOrKey()
	if len(raw) == 0 {
		return rec, fmt.Errorf("%s event carries neither record nor key", env.OperationType)
	}
	if err := bson.Unmarshal(raw, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Name returns the watcher name used in logs and metrics.
func (w *Watcher[T]) Name() string { return w.name }

// ID returns the unique instance id.
func (w *Watcher[T]) ID() string { return w.id }

// Start validates opts and launches the loop from the current server time.
func (w *Watcher[T]) Start(ctx context.Context, opts Options) error {
	return w.StartFrom(ctx, opts, nil)
}

// StartFrom validates opts and launches the loop after position. A nil
// position starts from the current server time. Without auto-resume the
// position is used for this first open only.
func (w *Watcher[T]) StartFrom(ctx context.Context, opts Options, position bson.Raw) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateUninitialized {
		return ErrAlreadyStarted
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	spec, err := filter.Build(opts.filterOptions(), w.shape)
	if err != nil {
		return err
	}

	w.ctx = ctx
	w.opts = opts
	w.spec = spec
	w.resume = newResumeState(opts.AutoResume, position)
	context.AfterFunc(ctx, w.cancelIdle)

	w.launch(cloneRaw(position))
	return nil
}

// Restart relaunches a stopped loop. A non-nil position replaces the stored
// one; otherwise the stored position is used (none without auto-resume).
func (w *Watcher[T]) Restart(position bson.Raw) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateUninitialized:
		return ErrNotStarted
	case StateRunning:
		return ErrRunning
	case StateCancelled:
		return ErrCancelled
	}
	if w.ctx.Err() != nil {
		w.cancelLocked()
		return ErrCancelled
	}

	open := w.resume.Position()
	if position != nil {
		w.resume.Set(position)
		open = cloneRaw(position)
	}
	w.logger.Info("restarting watch loop")
	w.launch(open)
	return nil
}

// launch starts one loop goroutine. Caller holds w.mu. The new loop waits
// for the previous one to finish notifying, so stop notifications never
// overlap the next loop.
func (w *Watcher[T]) launch(position bson.Raw) {
	prev := w.done
	done := make(chan struct{})
	w.done = done
	w.state = StateRunning
	w.lastErr = nil
	metrics.Running.WithLabelValues(w.name).Set(1)

	go w.run(w.ctx, position, prev, done)
}

// cancelIdle runs when the cancellation context is done. A running loop
// handles cancellation itself; a stopped watcher is finalised here.
func (w *Watcher[T]) cancelIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateStopped {
		w.cancelLocked()
	}
}

func (w *Watcher[T]) cancelLocked() {
	w.state = StateCancelled
	w.table.Clear()
	w.logger.Info("watcher cancelled while stopped")
}

// State returns the lifecycle state.
func (w *Watcher[T]) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsInitialized reports whether Start or StartFrom succeeded.
func (w *Watcher[T]) IsInitialized() bool {
	return w.State() != StateUninitialized
}

// IsRunning reports whether a loop is live.
func (w *Watcher[T]) IsRunning() bool {
	return w.State() == StateRunning
}

// CanRestart reports whether Restart would succeed now.
func (w *Watcher[T]) CanRestart() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateStopped && w.ctx.Err() == nil
}

// Err returns the error that stopped the last loop, if any.
func (w *Watcher[T]) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// ResumePosition returns a copy of the stored resume position. It is nil
// before the first dispatched batch and always nil without auto-resume.
func (w *Watcher[T]) ResumePosition() bson.Raw {
	w.mu.Lock()
	resume := w.resume
	w.mu.Unlock()
	if resume == nil {
		return nil
	}
	return resume.Position()
}

// ResetPosition forgets the stored position so the next Restart begins at
// the current server time. It fails while the loop runs.
func (w *Watcher[T]) ResetPosition() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case StateUninitialized:
		return ErrNotStarted
	case StateRunning:
		return ErrRunning
	}
	w.resume.Reset()
	return nil
}

// Done returns a channel closed when the current loop has fully stopped,
// listeners notified. It is nil before Start.
func (w *Watcher[T]) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// OnChanges registers a synchronous typed-record subscriber.
func (w *Watcher[T]) OnChanges(h dispatch.RecordHandler[T]) dispatch.Handle {
	return w.table.AddRecords(h)
}

// OnChangesAsync registers an asynchronous typed-record subscriber.
func (w *Watcher[T]) OnChangesAsync(h dispatch.RecordHandler[T]) dispatch.Handle {
	return w.table.AddRecordsAsync(h)
}

// OnEnvelopes registers a synchronous raw-envelope subscriber.
func (w *Watcher[T]) OnEnvelopes(h dispatch.EnvelopeHandler) dispatch.Handle {
	return w.table.AddEnvelopes(h)
}

// OnEnvelopesAsync registers an asynchronous raw-envelope subscriber.
func (w *Watcher[T]) OnEnvelopesAsync(h dispatch.EnvelopeHandler) dispatch.Handle {
	return w.table.AddEnvelopesAsync(h)
}

// Unsubscribe removes one subscriber.
func (w *Watcher[T]) Unsubscribe(h dispatch.Handle) bool {
	return w.table.Remove(h)
}

// UnsubscribeAll empties one subscriber registry.
func (w *Watcher[T]) UnsubscribeAll(f dispatch.Family) {
	w.table.RemoveAll(f)
}

// Subscribers returns the number of subscribers in one registry.
func (w *Watcher[T]) Subscribers(f dispatch.Family) int {
	return w.table.Count(f)
}

// OnError registers a listener for errors that stop the loop.
func (w *Watcher[T]) OnError(fn func(error)) {
	w.listenersMu.Lock()
	defer w.listenersMu.Unlock()
	w.errorListeners = append(w.errorListeners, fn)
}

// OnStop registers a listener called once every time a loop ends.
func (w *Watcher[T]) OnStop(fn func(StopReason)) {
	w.listenersMu.Lock()
	defer w.listenersMu.Unlock()
	w.stopListeners = append(w.stopListeners, fn)
}

func (w *Watcher[T]) notifyError(err error) {
	w.listenersMu.RLock()
	listeners := slices.Clone(w.errorListeners)
	w.listenersMu.RUnlock()
	for _, fn := range listeners {
		w.safeNotify(func() { fn(err) })
	}
}

func (w *Watcher[T]) notifyStop(reason StopReason) {
	w.listenersMu.RLock()
	listeners := slices.Clone(w.stopListeners)
	w.listenersMu.RUnlock()
	for _, fn := range listeners {
		w.safeNotify(func() { fn(reason) })
	}
}

func (w *Watcher[T]) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("listener panicked", "panic", r)
		}
	}()
	fn()
}
