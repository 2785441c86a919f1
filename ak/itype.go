package ak

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/dhstore/mvcore"
)

// ItypeExpr is a compiled i-type expression: an AK defined over a
// computed value rather than a bare field, evaluated per record to
// derive the bytes actually indexed (spec.md §3's i-type expression).
// The expression source is kept inline in the AK header.
type ItypeExpr struct {
	source  string
	program cel.Program
}

// CompileItype compiles expr, which may reference the record's decoded
// fields through the "record" variable (a map[string]any) and its id
// through "id" (a string).
func CompileItype(expr string) (*ItypeExpr, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.AnyType)),
		cel.Variable("id", cel.StringType),
	)
	if err != nil {
		return nil, mvcore.Wrap(mvcore.Corrupt, err, "ak itype cel environment")
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, mvcore.Wrap(mvcore.Corrupt, issues.Err(), "ak itype cel compile")
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, mvcore.Wrap(mvcore.Corrupt, err, "ak itype cel program")
	}
	return &ItypeExpr{source: expr, program: p}, nil
}

// Eval derives the indexed key bytes for one record.
func (e *ItypeExpr) Eval(id string, record map[string]any) ([]byte, error) {
	out, _, err := e.program.Eval(map[string]any{"record": record, "id": id})
	if err != nil {
		return nil, mvcore.Wrap(mvcore.Corrupt, err, "ak itype cel eval")
	}
	switch v := out.Value().(type) {
	case string:
		return []byte(v), nil
	case int64:
		return []byte(fmt.Sprintf("%d", v)), nil
	case float64:
		return []byte(fmt.Sprintf("%g", v)), nil
	default:
		return []byte(fmt.Sprintf("%v", v)), nil
	}
}
