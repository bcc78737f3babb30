package watcher

import (
	"errors"
	"fmt"

	"github.com/syntrixbase/changefeed/internal/feed/events"
	"github.com/syntrixbase/changefeed/internal/feed/filter"
)

var (
	ErrAlreadyStarted = errors.New("watcher already started")
	ErrNotStarted     = errors.New("watcher not started")
	ErrRunning        = errors.New("watcher is running")
	ErrCancelled      = errors.New("watcher cancelled")
)

// ErrBatchSize is returned for a non-positive batch size.
var ErrBatchSize = fmt.Errorf("%w: batch size must be positive", filter.ErrInvalidConfig)

// DefaultBatchSize is used by callers that have no preference.
const DefaultBatchSize = 100

// Options configures a watcher. They are fixed once the watcher starts.
type Options struct {
	Kinds      events.Kind
	Filter     *filter.Predicate
	Projection []string
	BatchSize  int
	OnlyIDs    bool

	// AutoResume keeps the position of the last dispatched batch so that
	// Restart continues where the loop stopped. Without it every restart
	// begins at the current server time.
	AutoResume bool
}

// Validate reports configuration errors. It never touches the network.
func (o Options) Validate() error {
	if o.BatchSize <= 0 {
		return ErrBatchSize
	}
	return o.filterOptions().Validate()
}

func (o Options) filterOptions() filter.Options {
	return filter.Options{
		Kinds:      o.Kinds,
		Filter:     o.Filter,
		Projection: o.Projection,
		OnlyIDs:    o.OnlyIDs,
	}
}

// State is the lifecycle state of a watcher.
type State int

const (
	StateUninitialized State = iota
	StateRunning
	StateStopped
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StopReason tells stop listeners why a loop ended.
type StopReason string

const (
	// StopInvalidated: the feed delivered the invalidate marker.
	StopInvalidated StopReason = "invalidated"
	// StopFailed: opening or iterating the cursor failed, or a subscriber
	// returned an error. The error is reported to error listeners first.
	StopFailed StopReason = "failed"
	// StopExhausted: the cursor ended without an invalidate marker.
	StopExhausted StopReason = "exhausted"
	// StopCancelled: the cancellation context was done. Terminal.
	StopCancelled StopReason = "cancelled"
)
