package scheduler

import (
	"errors"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/gantry/internal/expr"
	"github.com/vk/gantry/internal/plan"
	"github.com/vk/gantry/internal/runctx"
	"github.com/vk/gantry/internal/secrets"
)

// aggregateScope selects what the status functions (success/failure/
// cancelled) look at: the instance's dependency results when deciding the
// job-level `if`, or its own steps so far when deciding a step-level one.
type aggregateScope int

const (
	scopeNeeds aggregateScope = iota
	scopeSteps
)

// instanceEnv resolves expression namespaces for one job instance.
//
// Missing references resolve to the empty string rather than erroring,
// with one exception: reading the result or outputs of a job instance
// that has not reached a terminal state is an explicit evaluation error,
// never a silent empty value.
type instanceEnv struct {
	run     *runctx.Run
	plan    *plan.Plan
	inst    *plan.Instance
	secrets secrets.Resolver
	vars    map[string]string
	scope   aggregateScope
}

var emptyString = cty.StringVal("")

// Lookup implements expr.Env.
func (e *instanceEnv) Lookup(path []string) (cty.Value, error) {
	switch path[0] {
	case "env":
		if len(path) == 2 {
			if v, ok := e.vars[path[1]]; ok {
				return cty.StringVal(v), nil
			}
		}
		return emptyString, nil
	case "matrix":
		if len(path) == 2 {
			if v, ok := e.inst.Matrix[path[1]]; ok {
				return v, nil
			}
		}
		return emptyString, nil
	case "secrets":
		if len(path) == 2 && e.secrets != nil {
			value, err := e.secrets.Resolve(path[1])
			if err == nil {
				return cty.StringVal(value), nil
			}
			if !errors.Is(err, secrets.ErrNotFound) {
				return cty.NilVal, err
			}
		}
		return emptyString, nil
	case "needs", "job":
		return e.lookupJob(path)
	case "steps":
		return e.lookupStep(path)
	default:
		return emptyString, nil
	}
}

// lookupJob handles needs.<job>.result and needs.<job>.outputs.<name>;
// the job namespace is an alias with the same shape.
func (e *instanceEnv) lookupJob(path []string) (cty.Value, error) {
	if len(path) < 3 {
		return emptyString, nil
	}
	jobID := path[1]
	instances := e.plan.InstancesOf(jobID)
	if len(instances) == 0 {
		return emptyString, nil
	}

	states := make([]*runctx.InstanceState, len(instances))
	for i, inst := range instances {
		state := e.run.Instance(inst.ID)
		if state == nil || !state.Status.Terminal() {
			return cty.NilVal, &expr.EvalError{
				Expr: jobID,
				Msg:  "job instance has not finished; its result cannot be read yet",
			}
		}
		states[i] = state
	}

	switch path[2] {
	case "result":
		return cty.StringVal(string(jobResult(states))), nil
	case "outputs":
		if len(path) != 4 {
			return emptyString, nil
		}
		// Matrix siblings share the outputs namespace; a later instance
		// wins a name collision.
		value := ""
		for _, state := range states {
			if v, ok := state.Outputs()[path[3]]; ok {
				value = v
			}
		}
		return cty.StringVal(value), nil
	default:
		return emptyString, nil
	}
}

// lookupStep handles steps.<id>.outputs.<name>, .outcome, and .conclusion
// for steps of the current instance.
func (e *instanceEnv) lookupStep(path []string) (cty.Value, error) {
	if len(path) < 3 {
		return emptyString, nil
	}
	index := -1
	for i, step := range e.inst.Job.Steps {
		if step.ID == path[1] {
			index = i
			break
		}
	}
	if index < 0 {
		return emptyString, nil
	}
	state := e.run.Instance(e.inst.ID)
	if state == nil || index >= len(state.Steps) {
		return emptyString, nil
	}
	step := state.Steps[index]

	switch path[2] {
	case "outputs":
		if len(path) == 4 {
			if v, ok := step.Outputs[path[3]]; ok {
				return cty.StringVal(v), nil
			}
		}
		return emptyString, nil
	case "outcome":
		return cty.StringVal(string(step.Outcome)), nil
	case "conclusion":
		return cty.StringVal(string(step.Conclusion)), nil
	default:
		return emptyString, nil
	}
}

// Aggregate implements expr.Env.
func (e *instanceEnv) Aggregate() expr.Aggregate {
	if e.scope == scopeNeeds {
		return e.needsAggregate()
	}
	return e.stepAggregate()
}

// needsAggregate folds the terminal states of every dependency instance.
// A failed dependency whose job declares continue-on-error does not count
// as a failure for its dependents.
func (e *instanceEnv) needsAggregate() expr.Aggregate {
	var agg expr.Aggregate
	for _, id := range e.inst.Needs() {
		switch e.run.InstanceStatus(id) {
		case runctx.StatusFailure:
			dep := e.plan.Instance(id)
			if dep == nil || !dep.Job.ContinueOnError {
				agg.Failed = true
			}
		case runctx.StatusCancelled:
			agg.Cancelled = true
		}
	}
	return agg
}

// stepAggregate folds the instance's own steps so far. Continue-on-error
// masking applies: only a step's conclusion can fail the aggregate.
func (e *instanceEnv) stepAggregate() expr.Aggregate {
	var agg expr.Aggregate
	state := e.run.Instance(e.inst.ID)
	if state == nil {
		return agg
	}
	for _, step := range state.Steps {
		if step.Conclusion == runctx.StatusFailure {
			agg.Failed = true
		}
		if step.Outcome == runctx.StatusCancelled {
			agg.Cancelled = true
		}
	}
	return agg
}

// jobResult reduces a job's instance states to the single result exposed
// as needs.<job>.result.
func jobResult(states []*runctx.InstanceState) runctx.Status {
	allSkipped := true
	result := runctx.StatusSuccess
	for _, state := range states {
		if state.Status != runctx.StatusSkipped {
			allSkipped = false
		}
		switch state.Status {
		case runctx.StatusFailure:
			return runctx.StatusFailure
		case runctx.StatusCancelled:
			result = runctx.StatusCancelled
		}
	}
	if allSkipped {
		return runctx.StatusSkipped
	}
	return result
}
