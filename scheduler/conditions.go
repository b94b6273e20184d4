package scheduler

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/zero-day-ai/injector/execution"
)

// Conditions compiles and evaluates inject dependency conditions.
//
// A condition is a CEL expression over the variable parent, a map with the
// keys status (the parent's status name), success and failed. For example:
//
//	parent.success
//	parent.status == "PARTIAL" || parent.failed
type Conditions struct {
	env      *cel.Env
	programs sync.Map // expression -> cel.Program
}

// NewConditions creates a condition evaluator.
func NewConditions() (*Conditions, error) {
	env, err := cel.NewEnv(
		cel.Variable("parent", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}
	return &Conditions{env: env}, nil
}

// Compile parses and type-checks expr, caching the program.
func (c *Conditions) Compile(expr string) (cel.Program, error) {
	if p, ok := c.programs.Load(expr); ok {
		return p.(cel.Program), nil
	}

	ast, iss := c.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", expr, iss.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build condition %q: %w", expr, err)
	}

	actual, _ := c.programs.LoadOrStore(expr, prg)
	return actual.(cel.Program), nil
}

// Satisfied reports whether a child may run given its parent's status. A
// parent that has not reached a terminal status never satisfies a
// dependency. An empty expression only waits for the parent to finish.
func (c *Conditions) Satisfied(expr string, parent *execution.InjectStatus) (bool, error) {
	if parent == nil || !parent.Name.IsTerminal() {
		return false, nil
	}
	if expr == "" {
		return true, nil
	}

	prg, err := c.Compile(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"parent": map[string]any{
			"status":  string(parent.Name),
			"success": parent.Name == execution.StatusSuccess,
			"failed":  parent.Name == execution.StatusError,
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", expr, err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, want bool", expr, out.Value())
	}
	return b, nil
}
