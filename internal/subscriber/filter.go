package subscriber

import (
	"strings"

	"github.com/google/cel-go/cel"
	json "github.com/goccy/go-json"

	"github.com/rzbill/pagedtopic/internal/topic"
)

// filter is a compiled group filter. The zero value accepts everything.
type filter struct {
	prog    cel.Program
	enabled bool
}

func newFilter(expr string) (filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("channel", cel.IntType),
		cel.Variable("page", cel.IntType),
		cel.Variable("offset", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("published_ms", cel.IntType),
		cel.Variable("text", cel.StringType),
		// parsed JSON payload, null when the payload is not JSON
		cel.Variable("json", cel.DynType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return filter{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return filter{}, iss.Err()
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return filter{}, &FilterTypeError{Expr: expr, Type: t.String()}
	}
	prog, err := env.Program(ast)
	if err != nil {
		return filter{}, err
	}
	return filter{prog: prog, enabled: true}, nil
}

// FilterTypeError reports a filter that does not evaluate to a bool.
type FilterTypeError struct {
	Expr string
	Type string
}

func (e *FilterTypeError) Error() string {
	return "subscriber: filter " + e.Expr + " yields " + e.Type + ", want bool"
}

// Match evaluates the filter against m. Evaluation errors reject.
func (f filter) Match(m topic.Message, nowMs int64) bool {
	if !f.enabled {
		return true
	}
	var doc any
	_ = json.Unmarshal(m.Payload, &doc)
	out, _, err := f.prog.Eval(map[string]any{
		"channel":      int64(m.Channel),
		"page":         int64(m.Position.Page),
		"offset":       int64(m.Position.Offset),
		"size":         int64(len(m.Payload)),
		"published_ms": m.PublishedMs,
		"text":         string(m.Payload),
		"json":         doc,
		"now_ms":       nowMs,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
