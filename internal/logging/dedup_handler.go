package logging

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DedupHandler collapses identical records logged within a flush window.
// A watch loop that keeps failing to decode the same change, or a
// supervisor retrying against an unreachable server, produces one line with
// a repeated_count attribute per window instead of one line per attempt.
//
// Records are identical when level, message, attributes and the handler
// scope (attributes and groups added via With/WithGroup) all match. The
// timestamp of the first occurrence is kept.
type DedupHandler struct {
	state   *dedupState
	handler slog.Handler
	scope   uint64
}

// DedupHandlerConfig holds configuration for DedupHandler
type DedupHandlerConfig struct {
	// BatchSize is the number of distinct records buffered before a flush (default: 100)
	BatchSize int
	// FlushTimeout is the flush window (default: 1s)
	FlushTimeout time.Duration
}

// DefaultDedupHandlerConfig returns default configuration
func DefaultDedupHandlerConfig() DedupHandlerConfig {
	return DedupHandlerConfig{
		BatchSize:    100,
		FlushTimeout: time.Second,
	}
}

type dedupEntry struct {
	handler slog.Handler
	record  slog.Record
	count   int
}

// dedupState is shared by a DedupHandler and every handler derived from it.
type dedupState struct {
	mu        sync.Mutex
	entries   map[uint64]*dedupEntry
	order     []uint64
	closed    bool
	batchSize int

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewDedupHandler creates a new deduplicating handler with default config
func NewDedupHandler(handler slog.Handler) *DedupHandler {
	return NewDedupHandlerWithConfig(handler, DefaultDedupHandlerConfig())
}

// NewDedupHandlerWithConfig creates a new deduplicating handler with custom config
func NewDedupHandlerWithConfig(handler slog.Handler, cfg DedupHandlerConfig) *DedupHandler {
	def := DefaultDedupHandlerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}

	s := &dedupState{
		entries:   make(map[uint64]*dedupEntry),
		batchSize: cfg.BatchSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.flushLoop(cfg.FlushTimeout)

	return &DedupHandler{state: s, handler: handler}
}

func (h *DedupHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *DedupHandler) Handle(ctx context.Context, r slog.Record) error {
	key := h.hash(r)
	s := h.state

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return h.handler.Handle(ctx, r)
	}
	if e, ok := s.entries[key]; ok {
		e.count++
		s.mu.Unlock()
		return nil
	}
	s.entries[key] = &dedupEntry{handler: h.handler, record: r.Clone(), count: 1}
	s.order = append(s.order, key)
	var batch []*dedupEntry
	if len(s.order) >= s.batchSize {
		batch = s.takeLocked()
	}
	s.mu.Unlock()

	emit(batch)
	return nil
}

func (h *DedupHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	d := xxhash.New()
	writeScope(d, h.scope)
	_, _ = d.WriteString("attrs|")
	for _, a := range attrs {
		writeAttr(d, a)
	}
	return &DedupHandler{state: h.state, handler: h.handler.WithAttrs(attrs), scope: d.Sum64()}
}

func (h *DedupHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	d := xxhash.New()
	writeScope(d, h.scope)
	_, _ = d.WriteString("group|")
	_, _ = d.WriteString(name)
	return &DedupHandler{state: h.state, handler: h.handler.WithGroup(name), scope: d.Sum64()}
}

// Close flushes buffered records and stops the flush loop. Records
// handled afterwards go straight to the wrapped handler.
func (h *DedupHandler) Close() error {
	s := h.state
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done

		s.mu.Lock()
		s.closed = true
		batch := s.takeLocked()
		s.mu.Unlock()
		emit(batch)
	})
	return nil
}

// hash covers everything except the timestamp.
func (h *DedupHandler) hash(r slog.Record) uint64 {
	d := xxhash.New()
	writeScope(d, h.scope)
	_, _ = d.WriteString(r.Level.String())
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(r.Message)
	_, _ = d.WriteString("|")
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(d, a)
		return true
	})
	return d.Sum64()
}

func writeScope(d *xxhash.Digest, scope uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], scope)
	_, _ = d.Write(b[:])
}

func writeAttr(d *xxhash.Digest, a slog.Attr) {
	_, _ = d.WriteString(a.Key)
	_, _ = d.WriteString("=")
	_, _ = d.WriteString(a.Value.Resolve().String())
	_, _ = d.WriteString("|")
}

func (s *dedupState) flushLoop(every time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			batch := s.takeLocked()
			s.mu.Unlock()
			emit(batch)
		case <-s.stop:
			return
		}
	}
}

// takeLocked drains the buffered entries in first-seen order.
func (s *dedupState) takeLocked() []*dedupEntry {
	if len(s.order) == 0 {
		return nil
	}
	batch := make([]*dedupEntry, 0, len(s.order))
	for _, key := range s.order {
		batch = append(batch, s.entries[key])
	}
	s.entries = make(map[uint64]*dedupEntry)
	s.order = s.order[:0]
	return batch
}

// emit runs without the state lock so wrapped handlers may log.
func emit(batch []*dedupEntry) {
	for _, e := range batch {
		r := e.record
		if e.count > 1 {
			r.AddAttrs(slog.Int("repeated_count", e.count))
		}
		_ = e.handler.Handle(context.Background(), r)
	}
}
