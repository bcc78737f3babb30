package checkpoint

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/syntrixbase/changefeed/internal/feed/metrics"
	"go.mongodb.org/mongo-driver/bson"
)

// PositionSource exposes the current resume position, e.g. a watcher.
type PositionSource interface {
	ResumePosition() bson.Raw
}

// Policy defines when to save checkpoints.
type Policy struct {
	// Time-based: checkpoint every interval
	Interval time.Duration

	// Always checkpoint on graceful shutdown
	OnShutdown bool
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		Interval:   time.Second,
		OnShutdown: true,
	}
}

// Saver periodically copies a source position into a store.
type Saver struct {
	name   string
	store  Store
	source PositionSource
	policy Policy
	logger *slog.Logger

	mu   sync.Mutex
	last bson.Raw

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSaver creates a saver. initial is the position already persisted, if
// any, so that an unchanged position is not rewritten.
func NewSaver(name string, store Store, source PositionSource, policy Policy, initial bson.Raw, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Interval <= 0 {
		policy.Interval = DefaultPolicy().Interval
	}
	return &Saver{
		name:   name,
		store:  store,
		source: source,
		policy: policy,
		last:   initial,
		logger: logger.With("component", "checkpoint-saver", "watcher", name),
	}
}

// Start launches the periodic save loop.
func (s *Saver) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.policy.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Save(ctx); err != nil {
					s.logger.Error("failed to save checkpoint", "error", err)
				}
			}
		}
	}()
}

// Save persists the source position if it changed since the last save. A
// position that went from set to nil deletes the checkpoint. It reports
// whether the store was written.
func (s *Saver) Save(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.source.ResumePosition()
	if bytes.Equal(current, s.last) {
		return false, nil
	}

	var err error
	if current == nil {
		err = s.store.Delete(ctx)
	} else {
		err = s.store.Save(ctx, current)
	}
	if err != nil {
		metrics.CheckpointErrors.WithLabelValues(s.name).Inc()
		return false, err
	}

	s.last = current
	metrics.CheckpointsSaved.WithLabelValues(s.name).Inc()
	s.logger.Debug("checkpoint saved", "cleared", current == nil)
	return true, nil
}

// Stop ends the save loop and, if the policy asks for it, flushes the
// latest position.
func (s *Saver) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if !s.policy.OnShutdown {
		return nil
	}
	_, err := s.Save(ctx)
	return err
}
