package logging

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter counts writes, flushes and closes.
type recordingWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	writes  atomic.Int32
	flushes atomic.Int32
	closes  atomic.Int32
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes.Add(1)
	return w.buf.Write(p)
}

func (w *recordingWriter) Flush() error {
	w.flushes.Add(1)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closes.Add(1)
	return nil
}

func (w *recordingWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestAsyncWriter_Defaults(t *testing.T) {
	t.Parallel()

	aw := NewAsyncWriterWithConfig(&recordingWriter{}, AsyncWriterConfig{})
	defer aw.Close()

	def := DefaultAsyncWriterConfig()
	assert.Equal(t, def.BufferSize, cap(aw.entries))
	assert.Equal(t, def.BatchSize, aw.batchSize)
	assert.Equal(t, def.FlushTimeout, aw.flushTimeout)
}

func TestAsyncWriter_WriteCopiesInput(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	aw := NewAsyncWriterWithConfig(w, AsyncWriterConfig{FlushTimeout: time.Hour})

	p := []byte("line one\n")
	n, err := aw.Write(p)
	require.NoError(t, err)
	assert.Equal(t, len(p), n)
	copy(p, "XXXX")

	require.NoError(t, aw.Flush())
	assert.Equal(t, "line one\n", w.String())
	assert.Equal(t, int32(1), w.flushes.Load())
	require.NoError(t, aw.Close())
}

func TestAsyncWriter_BatchSize(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	aw := NewAsyncWriterWithConfig(w, AsyncWriterConfig{BatchSize: 3, FlushTimeout: time.Hour})
	defer aw.Close()

	for i := 0; i < 3; i++ {
		_, _ = aw.Write([]byte("x"))
	}
	assert.Eventually(t, func() bool { return w.writes.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestAsyncWriter_TimerFlush(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	aw := NewAsyncWriterWithConfig(w, AsyncWriterConfig{BatchSize: 100, FlushTimeout: 10 * time.Millisecond})
	defer aw.Close()

	_, _ = aw.Write([]byte("partial\n"))
	assert.Eventually(t, func() bool { return w.String() == "partial\n" }, time.Second, 5*time.Millisecond)
}

func TestAsyncWriter_CloseDrainsAndCloses(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	aw := NewAsyncWriterWithConfig(w, AsyncWriterConfig{FlushTimeout: time.Hour})

	for i := 0; i < 50; i++ {
		_, _ = fmt.Fprintf(aw, "entry %d\n", i)
	}
	require.NoError(t, aw.Close())
	require.NoError(t, aw.Close())

	assert.Equal(t, 50, strings.Count(w.String(), "entry "))
	assert.Equal(t, int32(1), w.closes.Load())

	_, err := aw.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.NoError(t, aw.Flush())
}

func TestAsyncWriter_ConcurrentWritersKeepLinesWhole(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	aw := NewAsyncWriterWithConfig(w, AsyncWriterConfig{BufferSize: 8, BatchSize: 4})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, _ = fmt.Fprintf(aw, "g%d-%d\n", g, i)
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, aw.Close())

	lines := strings.Split(strings.TrimSpace(w.String()), "\n")
	assert.Len(t, lines, 200)
	for _, line := range lines {
		assert.Regexp(t, `^g\d-\d+$`, line)
	}
}
