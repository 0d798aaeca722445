package expr

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
)

// Env supplies the data an expression evaluates against. Implementations
// live with the run state; the evaluator itself never mutates them.
type Env interface {
	// Lookup resolves a dotted/bracketed reference path such as
	// ["needs", "build", "outputs", "sha"]. Unknown namespaces or members
	// resolve to cty.NilVal with no error; referencing state that is not
	// legal to read yet (an output of a non-terminal upstream job) must
	// return an error rather than block.
	Lookup(path []string) (cty.Value, error)

	// Aggregate reports the status visible to the status functions
	// success(), failure(), always() and cancelled().
	Aggregate() Aggregate
}

// Aggregate is the pseudo-status the status functions close over: for a
// job condition it derives from the results of its dependencies, for a
// step condition from the steps executed so far in the same job.
type Aggregate struct {
	Failed    bool
	Cancelled bool
}

// Success reports whether nothing failed and nothing was cancelled.
func (a Aggregate) Success() bool { return !a.Failed && !a.Cancelled }

// EvalError reports a failed evaluation. It fails the owning step or job,
// never the whole run.
type EvalError struct {
	Expr string
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluating %q: %s", e.Expr, e.Msg)
}

// Unwrap exposes the underlying cause, if any.
func (e *EvalError) Unwrap() error { return e.Err }

func evalErrorf(expr, format string, args ...any) *EvalError {
	return &EvalError{Expr: expr, Msg: fmt.Sprintf(format, args...)}
}

// MapEnv is a simple Env over nested maps, used by tests and by contexts
// that have no live run state (lint-time evaluation).
type MapEnv struct {
	Vars   map[string]cty.Value
	Status Aggregate
}

// Lookup walks the variable tree segment by segment.
func (m *MapEnv) Lookup(path []string) (cty.Value, error) {
	if len(path) == 0 {
		return cty.NilVal, nil
	}
	current, ok := m.Vars[path[0]]
	if !ok {
		return cty.NilVal, nil
	}
	for _, seg := range path[1:] {
		next, err := Traverse(current, cty.StringVal(seg))
		if err != nil {
			return cty.NilVal, err
		}
		current = next
	}
	return current, nil
}

// Aggregate implements Env.
func (m *MapEnv) Aggregate() Aggregate { return m.Status }
