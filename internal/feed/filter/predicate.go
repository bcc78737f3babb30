package filter

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/syntrixbase/changefeed/internal/feed/events"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Predicate is an optional condition over the raw change envelope.
//
// Match is a MongoDB query document evaluated by the server against the
// change event (e.g. {"fullDocument.status": "active"}). Expr is a CEL
// expression evaluated by the cursor after decoding; it can reference
// op (string), ns, key, doc and update (maps).
type Predicate struct {
	Match bson.D
	Expr  string
}

// IsEmpty reports whether the predicate constrains nothing.
func (p *Predicate) IsEmpty() bool {
	return p == nil || (len(p.Match) == 0 && p.Expr == "")
}

type compiledExpr struct {
	source string
	prg    cel.Program
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("op", cel.StringType),
		cel.Variable("ns", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("key", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("update", cel.MapType(cel.StringType, cel.DynType)),
	)
}

func compileExpr(expr string) (*compiledExpr, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("CEL environment error: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("CEL expression must be boolean, got %s", out)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %w", err)
	}
	return &compiledExpr{source: expr, prg: prg}, nil
}

func (c *compiledExpr) eval(env *events.ChangeEnvelope) (bool, error) {
	vars := map[string]any{
		"op":     string(env.OperationType),
		"ns":     map[string]any{"db": env.Namespace.DB, "coll": env.Namespace.Coll},
		"key":    rawToMap(env.RecordKey),
		"doc":    rawToMap(env.Record),
		"update": map[string]any{"updatedFields": map[string]any{}, "removedFields": []any{}},
	}
	if ud := env.UpdateDescription; ud != nil {
		removed := make([]any, len(ud.RemovedFields))
		for i, f := range ud.RemovedFields {
			removed[i] = f
		}
		vars["update"] = map[string]any{
			"updatedFields": rawToMap(ud.UpdatedFields),
			"removedFields": removed,
		}
	}

	out, _, err := c.prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL result is not boolean: %T", out.Value())
	}
	return result, nil
}

// rawToMap converts a BSON document into plain Go values CEL understands.
func rawToMap(raw bson.Raw) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return convertBsonM(m)
}

func convertBsonM(m bson.M) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = convertBsonValue(v)
	}
	return result
}

func convertBsonValue(v any) any {
	switch val := v.(type) {
	case bson.M:
		return convertBsonM(val)
	case bson.D:
		result := make(map[string]any, len(val))
		for _, e := range val {
			result[e.Key] = convertBsonValue(e.Value)
		}
		return result
	case bson.A:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = convertBsonValue(item)
		}
		return result
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time()
	case primitive.Timestamp:
		return map[string]any{"T": int64(val.T), "I": int64(val.I)}
	case int32:
		return int64(val)
	default:
		return v
	}
}
