package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// TextHandler writes one line per record:
//
//	2024-01-19T10:30:00Z: [INFO] batch delivered watcher=orders events=3
//
// Resume positions and other BSON attribute values are rendered as
// relaxed extended JSON so they can be copied back into tooling.
type TextHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	prefix string // pre-rendered handler attributes
	groups string // dotted group prefix, with trailing dot
}

// NewTextHandler creates a new text handler. A nil opts logs at info.
func NewTextHandler(w io.Writer, opts *slog.HandlerOptions) *TextHandler {
	h := &TextHandler{mu: &sync.Mutex{}, w: w, level: slog.LevelInfo}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

func (h *TextHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *TextHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = r.Time.AppendFormat(buf, time.RFC3339)
	buf = append(buf, ": ["...)
	buf = append(buf, r.Level.String()...)
	buf = append(buf, "] "...)
	buf = append(buf, r.Message...)
	buf = append(buf, h.prefix...)
	r.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, h.groups, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *TextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := *h
	buf := []byte(h.prefix)
	for _, a := range attrs {
		buf = appendAttr(buf, h.groups, a)
	}
	c.prefix = string(buf)
	return &c
}

func (h *TextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.groups = h.groups + name + "."
	return &c
}

func appendAttr(buf []byte, groups string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		if len(attrs) == 0 {
			return buf
		}
		// Inline groups (empty key) share the parent's prefix.
		if a.Key != "" {
			groups += a.Key + "."
		}
		for _, ga := range attrs {
			buf = appendAttr(buf, groups, ga)
		}
		return buf
	}

	buf = append(buf, ' ')
	buf = append(buf, groups...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	return appendValue(buf, a.Value)
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return appendString(buf, v.String())
	case slog.KindInt64:
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(buf, v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'g', -1, 64)
	case slog.KindBool:
		return strconv.AppendBool(buf, v.Bool())
	case slog.KindDuration:
		return append(buf, v.Duration().String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	}

	switch x := v.Any().(type) {
	case bson.Raw:
		if x == nil {
			return append(buf, "null"...)
		}
		return append(buf, x.String()...)
	case bson.M, bson.D:
		out, err := bson.MarshalExtJSON(x, false, false)
		if err != nil {
			return appendString(buf, fmt.Sprintf("%+v", x))
		}
		return append(buf, out...)
	case error:
		return appendString(buf, x.Error())
	case fmt.Stringer:
		return appendString(buf, x.String())
	default:
		return appendString(buf, fmt.Sprintf("%+v", x))
	}
}

// appendString quotes s when it would otherwise be ambiguous on the line.
func appendString(buf []byte, s string) []byte {
	if s != "" && !strings.ContainsAny(s, " \"=\\\n\t") {
		return append(buf, s...)
	}
	return strconv.AppendQuote(buf, s)
}
