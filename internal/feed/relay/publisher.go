// Package relay republishes change envelopes to a NATS JetStream stream.
//
// A Publisher is registered on a watcher as an asynchronous raw-envelope
// subscriber. Each envelope becomes one message on
// <prefix>.<db>.<collection>.<operation>; the invalidate marker is published
// as well so that downstream consumers can react to it.
package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/syntrixbase/changefeed/internal/feed/events"
	"github.com/syntrixbase/changefeed/internal/feed/metrics"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/crypto/blake2b"
)

// jetStreamNew is a variable to allow mocking jetstream.New in tests.
var jetStreamNew = func(nc *nats.Conn) (jetstream.JetStream, error) {
	return jetstream.New(nc)
}

// Options configures the relay stream.
type Options struct {
	Stream        string
	SubjectPrefix string
	MemoryStorage bool
	MaxAge        time.Duration
}

func (o Options) withDefaults() Options {
	if o.Stream == "" {
		o.Stream = "CHANGEFEED"
	}
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = "changefeed"
	}
	return o
}

// Message is the JSON payload of one relayed envelope. Documents are
// relaxed Extended JSON.
type Message struct {
	Operation      events.OperationType `json:"operation"`
	Database       string               `json:"database"`
	Collection     string               `json:"collection"`
	Key            json.RawMessage      `json:"key,omitempty"`
	Record         json.RawMessage      `json:"record,omitempty"`
	UpdatedFields  json.RawMessage      `json:"updatedFields,omitempty"`
	RemovedFields  []string             `json:"removedFields,omitempty"`
	ClusterTime    time.Time            `json:"clusterTime"`
	ResumePosition json.RawMessage      `json:"resumePosition"`
}

// Publisher publishes envelopes to JetStream.
type Publisher struct {
	js     jetstream.JetStream
	opts   Options
	logger *slog.Logger
}

// NewPublisher creates a publisher on nc and ensures its stream exists.
func NewPublisher(nc *nats.Conn, opts Options, logger *slog.Logger) (*Publisher, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	js, err := jetStreamNew(nc)
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := EnsureStream(ctx, js, opts); err != nil {
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return NewPublisherFromJS(js, opts, logger), nil
}

// EnsureStream creates or updates the relay stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, opts Options) error {
	opts = opts.withDefaults()
	storage := jetstream.FileStorage
	if opts.MemoryStorage {
		storage = jetstream.MemoryStorage
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     opts.Stream,
		Subjects: []string{opts.SubjectPrefix + ".>"},
		Storage:  storage,
		MaxAge:   opts.MaxAge,
	})
	return err
}

// NewPublisherFromJS creates a publisher on an existing JetStream context.
func NewPublisherFromJS(js jetstream.JetStream, opts Options, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Publisher{
		js:     js,
		opts:   opts,
		logger: logger.With("component", "relay", "stream", opts.Stream),
	}
}

// Handle publishes every envelope of batch in order. It stops at the first
// failure. The message id is derived from the resume position, so a batch
// delivered again after a restart is de-duplicated by the stream.
func (p *Publisher) Handle(ctx context.Context, batch events.Batch) error {
	for _, env := range batch {
		if err := p.publish(ctx, env); err != nil {
			metrics.PublishErrors.WithLabelValues(p.opts.Stream).Inc()
			return err
		}
		metrics.EventsPublished.WithLabelValues(p.opts.Stream).Inc()
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, env *events.ChangeEnvelope) error {
	subject := p.Subject(env)
	msg, err := newMessage(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", env.OperationType, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = p.js.Publish(ctx, subject, data,
		jetstream.WithExpectStream(p.opts.Stream),
		jetstream.WithMsgID(MessageID(env)),
		jetstream.WithRetryAttempts(3),
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.logger.Debug("event relayed", "subject", subject)
	return nil
}

// Subject returns the subject env is published on.
func (p *Publisher) Subject(env *events.ChangeEnvelope) string {
	return strings.Join([]string{
		p.opts.SubjectPrefix,
		subjectToken(env.Namespace.DB),
		subjectToken(env.Namespace.Coll),
		string(env.OperationType),
	}, ".")
}

// subjectToken makes s safe as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func newMessage(env *events.ChangeEnvelope) (*Message, error) {
	msg := &Message{
		Operation:  env.OperationType,
		Database:   env.Namespace.DB,
		Collection: env.Namespace.Coll,
	}
	if env.ClusterTime.T != 0 {
		msg.ClusterTime = time.Unix(int64(env.ClusterTime.T), 0).UTC()
	}

	var err error
	if msg.Key, err = extJSON(env.RecordKey); err != nil {
		return nil, err
	}
	if msg.Record, err = extJSON(env.Record); err != nil {
		return nil, err
	}
	if msg.ResumePosition, err = extJSON(env.ResumePosition); err != nil {
		return nil, err
	}
	if ud := env.UpdateDescription; ud != nil {
		if msg.UpdatedFields, err = extJSON(ud.UpdatedFields); err != nil {
			return nil, err
		}
		msg.RemovedFields = ud.RemovedFields
	}
	return msg, nil
}

func extJSON(raw bson.Raw) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// MessageID derives the JetStream de-duplication ID from the envelope's
// resume position, so redelivering a batch after a restart does not
// duplicate messages inside the stream's duplicate window.
func MessageID(env *events.ChangeEnvelope) string {
	sum := blake2b.Sum256(env.ResumePosition)
	return hex.EncodeToString(sum[:16])
}
