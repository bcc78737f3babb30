// Package health reports whether watchers are delivering changes and
// serves the report next to the Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/syntrixbase/changefeed/internal/feed/dispatch"
	"github.com/syntrixbase/changefeed/internal/feed/events"
	"github.com/syntrixbase/changefeed/internal/feed/watcher"
)

// Status represents the health status of the service.
type Status string

const (
	// StatusOK indicates every watcher is running.
	StatusOK Status = "ok"

	// StatusDegraded indicates every watcher is running but at least one
	// stopped on an error recently.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy indicates at least one watcher is not running.
	StatusUnhealthy Status = "unhealthy"
)

// DegradedWindow is how long a recovered watcher is reported as degraded.
const DegradedWindow = time.Minute

// Target is the part of a watcher the checker observes.
type Target interface {
	Name() string
	State() watcher.State
	OnEnvelopes(h dispatch.EnvelopeHandler) dispatch.Handle
	OnError(fn func(error))
	OnStop(fn func(watcher.StopReason))
}

// WatcherHealth represents the health of a single watcher.
type WatcherHealth struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Status      Status     `json:"status"`
	LastEvent   *time.Time `json:"lastEvent,omitempty"`
	EventsTotal int64      `json:"eventsTotal"`
	Errors      int        `json:"errors"`
	LastError   string     `json:"lastError,omitempty"`
	LastStop    string     `json:"lastStop,omitempty"`
}

// Report is the full health report.
type Report struct {
	Status    Status          `json:"status"`
	Uptime    string          `json:"uptime"`
	StartedAt time.Time       `json:"startedAt"`
	Watchers  []WatcherHealth `json:"watchers"`
}

type tracked struct {
	target      Target
	lastEvent   *time.Time
	eventsTotal int64
	errors      int
	lastError   string
	lastErrorAt time.Time
	lastStop    watcher.StopReason
}

// Checker provides health check functionality.
type Checker struct {
	startedAt time.Time
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	watchers map[string]*tracked
}

// NewChecker creates a new health checker.
func NewChecker(logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		startedAt: time.Now(),
		logger:    logger.With("component", "health"),
		now:       time.Now,
		watchers:  make(map[string]*tracked),
	}
}

// Register starts tracking t. It subscribes to t's batches, errors and
// stops, so it should be called before t starts.
func (h *Checker) Register(t Target) {
	name := t.Name()
	h.mu.Lock()
	h.watchers[name] = &tracked{target: t}
	h.mu.Unlock()

	t.OnEnvelopes(func(_ context.Context, batch events.Batch) error {
		h.recordBatch(name, batch)
		return nil
	})
	t.OnError(func(err error) { h.recordError(name, err) })
	t.OnStop(func(reason watcher.StopReason) { h.recordStop(name, reason) })
}

func (h *Checker) recordBatch(name string, batch events.Batch) {
	n := int64(len(batch.Changes()))
	if n == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watchers[name]; ok {
		now := h.now()
		w.lastEvent = &now
		w.eventsTotal += n
	}
}

func (h *Checker) recordError(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watchers[name]; ok {
		w.errors++
		w.lastError = err.Error()
		w.lastErrorAt = h.now()
	}
}

func (h *Checker) recordStop(name string, reason watcher.StopReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watchers[name]; ok {
		w.lastStop = reason
	}
}

// GetReport returns the current health report, watchers sorted by name.
func (h *Checker) GetReport() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	report := Report{
		Status:    StatusOK,
		Uptime:    now.Sub(h.startedAt).Round(time.Second).String(),
		StartedAt: h.startedAt,
		Watchers:  make([]WatcherHealth, 0, len(h.watchers)),
	}

	for name, w := range h.watchers {
		state := w.target.State()
		wh := WatcherHealth{
			Name:        name,
			State:       state.String(),
			Status:      StatusOK,
			LastEvent:   w.lastEvent,
			EventsTotal: w.eventsTotal,
			Errors:      w.errors,
			LastError:   w.lastError,
			LastStop:    string(w.lastStop),
		}
		switch {
		case state != watcher.StateRunning:
			wh.Status = StatusUnhealthy
		case w.errors > 0 && now.Sub(w.lastErrorAt) < DegradedWindow:
			wh.Status = StatusDegraded
		}
		report.Watchers = append(report.Watchers, wh)

		if wh.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
		} else if wh.Status == StatusDegraded && report.Status == StatusOK {
			report.Status = StatusDegraded
		}
	}
	sort.Slice(report.Watchers, func(i, j int) bool { return report.Watchers[i].Name < report.Watchers[j].Name })

	return report
}

// Check returns the overall health status.
func (h *Checker) Check() Status {
	return h.GetReport().Status
}

// ServeHTTP implements http.Handler for health endpoint.
func (h *Checker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	report := h.GetReport()

	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK) // degraded still serves
	}

	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Warn("failed to write health report", "error", err)
	}
}

// NewMux serves the Prometheus registry at metricsPath and the checker at
// healthPath.
func NewMux(checker *Checker, metricsPath, healthPath string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.Handler())
	mux.Handle(healthPath, checker)
	return mux
}

// StartServer serves handler on addr until ctx is cancelled.
func StartServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server starting", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
