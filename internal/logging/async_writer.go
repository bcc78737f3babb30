package logging

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("async log writer closed")

// AsyncWriter moves log file I/O off the logging goroutine. Entries are
// queued on a buffered channel and written in batches by one background
// goroutine, so a slow disk does not stall a watch loop that logs.
type AsyncWriter struct {
	w       io.Writer
	entries chan []byte
	flushes chan chan struct{}
	done    chan struct{}

	mu     sync.RWMutex // guards closed against in-flight sends
	closed bool

	batchSize    int
	flushTimeout time.Duration
}

// AsyncWriterConfig holds configuration for AsyncWriter
type AsyncWriterConfig struct {
	// BufferSize is the queue capacity; writers block when it is full (default: 10000)
	BufferSize int
	// BatchSize is the number of entries written per batch (default: 100)
	BatchSize int
	// FlushTimeout bounds how long a partial batch waits (default: 100ms)
	FlushTimeout time.Duration
}

// DefaultAsyncWriterConfig returns default configuration
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		BufferSize:   10000,
		BatchSize:    100,
		FlushTimeout: 100 * time.Millisecond,
	}
}

// NewAsyncWriter creates a new AsyncWriter with default configuration
func NewAsyncWriter(w io.Writer) *AsyncWriter {
	return NewAsyncWriterWithConfig(w, DefaultAsyncWriterConfig())
}

// NewAsyncWriterWithConfig creates a new AsyncWriter with custom configuration
func NewAsyncWriterWithConfig(w io.Writer, cfg AsyncWriterConfig) *AsyncWriter {
	def := DefaultAsyncWriterConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}

	aw := &AsyncWriter{
		w:            w,
		entries:      make(chan []byte, cfg.BufferSize),
		flushes:      make(chan chan struct{}),
		done:         make(chan struct{}),
		batchSize:    cfg.BatchSize,
		flushTimeout: cfg.FlushTimeout,
	}
	go aw.loop()
	return aw
}

// Write queues a copy of p. It blocks while the queue is full.
func (aw *AsyncWriter) Write(p []byte) (int, error) {
	aw.mu.RLock()
	defer aw.mu.RUnlock()
	if aw.closed {
		return 0, ErrWriterClosed
	}

	buf := make([]byte, len(p))
	copy(buf, p)
	aw.entries <- buf
	return len(p), nil
}

// Flush returns once every entry queued before the call has been written.
func (aw *AsyncWriter) Flush() error {
	aw.mu.RLock()
	if aw.closed {
		aw.mu.RUnlock()
		return nil
	}
	ack := make(chan struct{})
	aw.flushes <- ack
	aw.mu.RUnlock()

	<-ack
	return nil
}

// Close writes everything queued, stops the background goroutine and
// closes the wrapped writer if it is an io.Closer.
func (aw *AsyncWriter) Close() error {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return nil
	}
	aw.closed = true
	close(aw.entries)
	aw.mu.Unlock()

	<-aw.done

	if c, ok := aw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (aw *AsyncWriter) loop() {
	defer close(aw.done)

	ticker := time.NewTicker(aw.flushTimeout)
	defer ticker.Stop()

	batch := make([][]byte, 0, aw.batchSize)
	for {
		select {
		case p, ok := <-aw.entries:
			if !ok {
				aw.write(batch)
				return
			}
			batch = append(batch, p)
			if len(batch) >= aw.batchSize {
				batch = aw.write(batch)
			}
		case ack := <-aw.flushes:
			batch = aw.write(aw.drain(batch))
			close(ack)
		case <-ticker.C:
			batch = aw.write(batch)
		}
	}
}

// drain appends the entries already queued.
func (aw *AsyncWriter) drain(batch [][]byte) [][]byte {
	for {
		select {
		case p, ok := <-aw.entries:
			if !ok {
				return batch
			}
			batch = append(batch, p)
		default:
			return batch
		}
	}
}

func (aw *AsyncWriter) write(batch [][]byte) [][]byte {
	if len(batch) == 0 {
		return batch
	}
	for _, p := range batch {
		_, _ = aw.w.Write(p)
	}
	if f, ok := aw.w.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	return batch[:0]
}
