// Package scopeexpr compiles and evaluates the optional attribute filter a
// view may carry on top of its entity scope. Expressions are CEL predicates
// over a single `entity` map (string attributes, e.g. entity.kind,
// entity.region) and must produce a bool.
package scopeexpr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

var errNotBool = errors.New("scopeexpr: expression does not evaluate to bool")

var newEnv = func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("entity", cel.MapType(cel.StringType, cel.StringType)))
}

var (
	envOnce   sync.Once
	sharedEnv *cel.Env
	envErr    error
)

var programCache sync.Map

func env() (*cel.Env, error) {
	envOnce.Do(func() {
		sharedEnv, envErr = newEnv()
	})
	return sharedEnv, envErr
}

// Compile checks that expr parses, type-checks, and yields a bool. An empty
// expression is valid and means "no filter".
func Compile(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := program(expr)
	return err
}

// Eval evaluates expr against the entity attributes. An empty expression
// matches everything.
func Eval(expr string, attrs map[string]string) (bool, error) {
	if expr == "" {
		return true, nil
	}
	prg, err := program(expr)
	if err != nil {
		return false, err
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	out, _, err := prg.Eval(map[string]any{"entity": attrs})
	if err != nil {
		return false, fmt.Errorf("scopeexpr: eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, errNotBool
	}
	return b, nil
}

func program(expr string) (cel.Program, error) {
	if cached, ok := programCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	e, err := env()
	if err != nil {
		return nil, err
	}
	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("scopeexpr: compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errNotBool
	}
	prg, err := e.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("scopeexpr: program: %w", err)
	}
	programCache.Store(expr, prg)
	return prg, nil
}
