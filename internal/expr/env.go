package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Environment builds and compiles CEL programs evaluated against one record.
// Expressions see `record` (id, key, version, timestamp, payload) and the
// `payload` shortcut.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables exposed to series expressions.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program wraps a compiled CEL program.
type Program struct {
	source   string
	program  cel.Program
	wantBool bool
}

// Compile prepares a filter program, ensuring the expression yields a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	return e.compile(expression, true)
}

// CompileValue prepares a program without enforcing a boolean return type.
func (e *Environment) CompileValue(expression string) (Program, error) {
	return e.compile(expression, false)
}

// EvalBool executes the program against the provided activation and coerces the result to bool.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	if !p.wantBool {
		return false, fmt.Errorf("expr: program %q does not return a boolean", p.source)
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}

// EvalFloat executes the program and converts a numeric result to float64.
// A null result reports ok=false so callers can skip the record.
func (p Program) EvalFloat(vars map[string]any) (value float64, ok bool, err error) {
	if p.program == nil {
		return 0, false, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return 0, false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Null:
		return 0, false, nil
	case types.Double:
		return float64(v), true, nil
	case types.Int:
		return float64(v), true, nil
	case types.Uint:
		return float64(v), true, nil
	case types.Bool:
		if v {
			return 1, true, nil
		}
		return 0, true, nil
	}
	return 0, false, fmt.Errorf("expr: %q yielded non-numeric result %v", p.source, val.Type())
}

// Source returns the original CEL expression for logging.
func (p Program) Source() string { return p.source }

// Eval executes the CEL program and returns the raw value.
func (p Program) Eval(vars map[string]any) (any, error) {
	if p.program == nil {
		return nil, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	return val.Value(), nil
}

func (e *Environment) compile(expression string, wantBool bool) (Program, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", expr, issues.Err())
	}
	if wantBool {
		if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
			return Program{}, fmt.Errorf("expr: %q must return bool, got %s", expr, cel.FormatCELType(t))
		}
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", expr, err)
	}
	return Program{source: expr, program: program, wantBool: wantBool}, nil
}

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found {
		return types.NullValue
	}
	if value == nil {
		return types.NullValue
	}
	return value
}
