// Package supervisor restarts a stopped watcher with exponential backoff.
//
// Watchers never retry on their own; a Supervisor is the caller-side policy
// that does. It listens for stop notifications and, unless the watcher was
// cancelled, calls Restart after a backoff delay. When the server reports
// that the stored resume position has fallen out of its history, or the feed
// was invalidated, the position is cleared first so the restart begins at
// the current server time.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/syntrixbase/changefeed/internal/feed/metrics"
	"github.com/syntrixbase/changefeed/internal/feed/watcher"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// historyLostCode is the server error ChangeStreamHistoryLost.
const historyLostCode = 286

// Target is the part of a watcher the supervisor drives.
type Target interface {
	Name() string
	OnStop(fn func(watcher.StopReason))
	Err() error
	Restart(position bson.Raw) error
	ResetPosition() error
}

// Config controls the restart backoff.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds consecutive restart attempts; zero retries forever.
	MaxElapsed time.Duration
	// StableAfter resets the backoff once a restarted loop has run this long.
	StableAfter time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsed:      10 * time.Minute,
		StableAfter:     time.Minute,
	}
}

// IsHistoryLost reports whether err means the resume position is no longer
// in the server's change history.
func IsHistoryLost(err error) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorCode(historyLostCode)
}

// Supervisor restarts one target.
type Supervisor struct {
	target Target
	cfg    Config
	logger *slog.Logger

	stops chan watcher.StopReason

	mu          sync.Mutex
	backoff     *backoff.ExponentialBackOff
	lastRestart time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a supervisor and subscribes it to target's stop notifications.
// Nothing is restarted until Start.
func New(target Target, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = def.StableAfter
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = cfg.MaxElapsed
	b.Reset()

	s := &Supervisor{
		target:  target,
		cfg:     cfg,
		logger:  logger.With("component", "supervisor", "watcher", target.Name()),
		stops:   make(chan watcher.StopReason, 1),
		backoff: b,
		done:    make(chan struct{}),
	}
	target.OnStop(s.notify)
	return s
}

// notify never blocks the watch loop. Only the latest stop matters since
// at most one loop runs at a time.
func (s *Supervisor) notify(reason watcher.StopReason) {
	select {
	case s.stops <- reason:
	default:
	}
}

// Start launches the supervision goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Lock()
	s.lastRestart = time.Now()
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case reason := <-s.stops:
				if reason == watcher.StopCancelled {
					s.logger.Info("watcher cancelled, supervisor exiting")
					return
				}
				if !s.recover(ctx, reason) {
					return
				}
			}
		}
	}()
}

// Stop ends supervision and waits for the goroutine to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// Done is closed when the supervisor exits: stopped, gave up, or the
// watcher was cancelled.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// recover restarts the target after a non-terminal stop. It returns false
// when supervision should end.
func (s *Supervisor) recover(ctx context.Context, reason watcher.StopReason) bool {
	s.mu.Lock()
	if time.Since(s.lastRestart) >= s.cfg.StableAfter {
		s.backoff.Reset()
	}
	s.mu.Unlock()

	err := s.target.Err()
	switch {
	case IsHistoryLost(err):
		s.logger.Warn("resume position lost from server history, restarting from now", "error", err)
		s.resetPosition()
	case reason == watcher.StopInvalidated:
		s.logger.Warn("change feed invalidated, restarting from now")
		s.resetPosition()
	}

	b := backoff.WithContext(s.backoff, ctx)
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() == nil {
				s.logger.Error("giving up restarting watcher", "last_error", err)
			}
			return false
		}

		s.logger.Info("restarting watcher", "reason", reason, "delay", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		rerr := s.target.Restart(nil)
		switch {
		case rerr == nil:
			metrics.Restarts.WithLabelValues(s.target.Name()).Inc()
			s.mu.Lock()
			s.lastRestart = time.Now()
			s.mu.Unlock()
			return true
		case errors.Is(rerr, watcher.ErrRunning):
			// Restarted by someone else.
			return true
		case errors.Is(rerr, watcher.ErrCancelled):
			return false
		default:
			s.logger.Warn("restart attempt failed", "error", rerr)
		}
	}
}

func (s *Supervisor) resetPosition() {
	if err := s.target.ResetPosition(); err != nil {
		s.logger.Warn("failed to reset resume position", "error", err)
	}
}
