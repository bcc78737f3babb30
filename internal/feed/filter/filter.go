// Package filter translates a watcher configuration into the filter and
// projection arguments a change feed cursor accepts.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/syntrixbase/changefeed/internal/feed/events"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrInvalidConfig is wrapped by every configuration error.
var ErrInvalidConfig = errors.New("invalid watcher configuration")

var (
	ErrNoKinds               = fmt.Errorf("%w: at least one event kind is required", ErrInvalidConfig)
	ErrDeleteWithFilter      = fmt.Errorf("%w: a filter cannot be used when watching deletes", ErrInvalidConfig)
	ErrDeleteWithProjection  = fmt.Errorf("%w: a projection cannot be used when watching deletes", ErrInvalidConfig)
	ErrProjectionWithOnlyIDs = fmt.Errorf("%w: a projection cannot be combined with only-IDs mode", ErrInvalidConfig)
)

// metadataFields are kept by every projection; the watch loop depends on them.
var metadataFields = []string{"_id", "operationType", "ns", "documentKey", "clusterTime", "updateDescription"}

// Options selects which events are delivered and how records are shaped.
type Options struct {
	Kinds      events.Kind
	Filter     *Predicate
	Projection []string // record field paths to keep
	OnlyIDs    bool
}

// Validate checks option combinations without touching the network.
func (o Options) Validate() error {
	if o.Kinds.IsEmpty() {
		return ErrNoKinds
	}
	if o.Kinds.Has(events.KindDeleted) {
		if !o.Filter.IsEmpty() {
			return ErrDeleteWithFilter
		}
		if len(o.Projection) > 0 {
			return ErrDeleteWithProjection
		}
	}
	if o.OnlyIDs && len(o.Projection) > 0 {
		return ErrProjectionWithOnlyIDs
	}
	for _, p := range o.Projection {
		if p == "" || strings.HasPrefix(p, "$") {
			return fmt.Errorf("%w: invalid projection field %q", ErrInvalidConfig, p)
		}
	}
	return nil
}

// Spec is the compiled form handed to a cursor.
type Spec struct {
	Kinds        events.Kind
	Match        bson.D
	Projection   bson.D // nil keeps the full change event
	FullDocument options.FullDocument
	Shape        Shape

	expr *compiledExpr
}

// Build validates opts and composes the cursor filter and projection.
func Build(opts Options, shape Shape) (*Spec, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if shape.IDField == "" {
		shape.IDField = DefaultIDField
	}

	spec := &Spec{
		Kinds:        opts.Kinds,
		Match:        buildMatch(opts.Kinds, opts.Filter),
		Projection:   buildProjection(opts, shape),
		FullDocument: options.Default,
		Shape:        shape,
	}
	if opts.Kinds.Has(events.KindUpdated) && !opts.OnlyIDs {
		spec.FullDocument = options.UpdateLookup
	}

	if opts.Filter != nil && opts.Filter.Expr != "" {
		expr, err := compileExpr(opts.Filter.Expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		spec.expr = expr
	}
	return spec, nil
}

// buildMatch composes "operation is one of the selected kinds AND user match,
// OR operation is invalidate". The invalidate marker always passes.
func buildMatch(kinds events.Kind, p *Predicate) bson.D {
	ops := kinds.Operations()
	names := make(bson.A, 0, len(ops))
	for _, op := range ops {
		names = append(names, string(op))
	}
	selected := bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: names}}}}
	if p != nil && len(p.Match) > 0 {
		selected = bson.D{{Key: "$and", Value: bson.A{selected, p.Match}}}
	}

	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "operationType", Value: string(events.OperationInvalidate)}},
		selected,
	}}}
}

// buildProjection composes the caller's record fields with the metadata the
// loop needs. Returns nil when the full event is wanted.
func buildProjection(opts Options, shape Shape) bson.D {
	if !opts.OnlyIDs && len(opts.Projection) == 0 {
		return nil
	}

	proj := make(bson.D, 0, len(metadataFields)+len(opts.Projection)+2)
	for _, f := range metadataFields {
		proj = append(proj, bson.E{Key: f, Value: 1})
	}

	seen := make(map[string]bool)
	add := func(field string) {
		if field == "" || seen[field] {
			return
		}
		seen[field] = true
		proj = append(proj, bson.E{Key: "fullDocument." + field, Value: 1})
	}

	add(shape.IDField)
	if opts.OnlyIDs {
		return proj
	}
	add(shape.ModifiedField)
	for _, f := range opts.Projection {
		add(f)
	}
	return proj
}

// Pipeline returns the aggregation stages for a change stream.
func (s *Spec) Pipeline() mongo.Pipeline {
	pipeline := mongo.Pipeline{{{Key: "$match", Value: s.Match}}}
	if len(s.Projection) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$project", Value: s.Projection}})
	}
	return pipeline
}

// Admit reports whether an envelope passes the client-side part of the filter.
// Invalidate markers always pass.
func (s *Spec) Admit(env *events.ChangeEnvelope) (bool, error) {
	if env.IsInvalidate() {
		return true, nil
	}
	if !s.Kinds.Has(env.Kind()) {
		return false, nil
	}
	if s.expr == nil {
		return true, nil
	}
	return s.expr.eval(env)
}

// HasExpr reports whether the spec carries a client-side expression.
func (s *Spec) HasExpr() bool {
	return s.expr != nil
}
