// Package plan expands a parsed workflow into an executable DAG of job
// instances: one instance per matrix combination, linked by the declared
// "needs" relationships. The plan is immutable; the scheduler queries it
// for the set of instances that are ready to run.
package plan

import (
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/gantry/internal/workflow"
)

// GraphError reports a dependency graph that cannot execute: a cycle or a
// reference to an undeclared job. It is raised before anything runs.
type GraphError struct {
	Msg string
}

// Error implements the error interface.
func (e *GraphError) Error() string { return e.Msg }

func graphErrorf(format string, args ...any) *GraphError {
	return &GraphError{Msg: fmt.Sprintf(format, args...)}
}

// Instance is one job bound to one matrix combination. Everything here is
// fixed at plan time; runtime status lives in the run context keyed by ID.
type Instance struct {
	// ID is unique within the plan: the job id, suffixed with the matrix
	// combination when the job has one, e.g. "test (go=1.22, os=linux)".
	ID     string
	JobID  string
	Job    *workflow.Job
	Matrix map[string]cty.Value

	needs []string
}

// Needs returns the instance ids this instance depends on.
func (in *Instance) Needs() []string { return in.needs }

// Plan is the executable DAG of job instances.
type Plan struct {
	instances  map[string]*Instance
	order      []string
	deps       map[string][]string
	dependents map[string][]string
}

// Build expands matrices and links dependencies, rejecting unresolved
// "needs" references and cycles before any execution starts.
func Build(wf *workflow.Workflow) (*Plan, error) {
	p := &Plan{
		instances:  make(map[string]*Instance),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}

	// First pass: create instances per job, one per matrix combination.
	byJob := make(map[string][]string)
	for _, jobID := range wf.JobOrder() {
		job := wf.Jobs[jobID]
		for _, combo := range expandMatrix(job) {
			inst := &Instance{
				ID:     instanceID(jobID, job, combo),
				JobID:  jobID,
				Job:    job,
				Matrix: combo,
			}
			if _, dup := p.instances[inst.ID]; dup {
				return nil, graphErrorf("job %q expands to duplicate instance %q", jobID, inst.ID)
			}
			p.instances[inst.ID] = inst
			p.order = append(p.order, inst.ID)
			byJob[jobID] = append(byJob[jobID], inst.ID)
		}
	}

	// Second pass: link every instance of each needed job.
	for _, id := range p.order {
		inst := p.instances[id]
		for _, need := range inst.Job.Needs {
			upstream, ok := byJob[need]
			if !ok {
				return nil, graphErrorf("job %q needs undeclared job %q", inst.JobID, need)
			}
			inst.needs = append(inst.needs, upstream...)
			p.deps[id] = append(p.deps[id], upstream...)
			for _, up := range upstream {
				p.dependents[up] = append(p.dependents[up], id)
			}
		}
	}

	if cycle := p.findCycle(); len(cycle) > 0 {
		return nil, graphErrorf("dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return p, nil
}

// Instances returns all instances in deterministic plan order.
func (p *Plan) Instances() []*Instance {
	out := make([]*Instance, len(p.order))
	for i, id := range p.order {
		out[i] = p.instances[id]
	}
	return out
}

// Instance returns the instance with the given id, or nil.
func (p *Plan) Instance(id string) *Instance { return p.instances[id] }

// InstancesOf returns the instances expanded from one job id, in matrix
// expansion order.
func (p *Plan) InstancesOf(jobID string) []*Instance {
	var out []*Instance
	for _, id := range p.order {
		if p.instances[id].JobID == jobID {
			out = append(out, p.instances[id])
		}
	}
	return out
}

// Dependents returns the instance ids that depend on the given instance.
func (p *Plan) Dependents(id string) []string { return p.dependents[id] }

// Ready returns, in plan order, the instances whose dependencies are all
// present in completed. Skipped and failed upstream instances count as
// completed; readiness is about ordering, not success. Instances already
// in completed are excluded.
func (p *Plan) Ready(completed map[string]struct{}) []*Instance {
	var ready []*Instance
	for _, id := range p.order {
		if _, done := completed[id]; done {
			continue
		}
		inst := p.instances[id]
		eligible := true
		for _, dep := range inst.needs {
			if _, done := completed[dep]; !done {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, inst)
		}
	}
	return ready
}

// findCycle runs Kahn's algorithm and returns the ids left with a nonzero
// in-degree, which together contain every cycle.
func (p *Plan) findCycle() []string {
	inDegree := make(map[string]int, len(p.instances))
	for _, id := range p.order {
		inDegree[id] = len(p.deps[id])
	}
	var queue []string
	for _, id := range p.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range p.dependents[id] {
			if inDegree[dep]--; inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited == len(p.instances) {
		return nil
	}
	var cycle []string
	for _, id := range p.order {
		if inDegree[id] > 0 {
			cycle = append(cycle, id)
		}
	}
	return cycle
}

// expandMatrix produces the cross-product of the job's matrix dimensions
// in declaration order; a job without a matrix yields one empty
// combination.
func expandMatrix(job *workflow.Job) []map[string]cty.Value {
	if job.Strategy == nil || job.Strategy.Matrix.Len() == 0 {
		return []map[string]cty.Value{nil}
	}
	m := &job.Strategy.Matrix
	combos := []map[string]cty.Value{{}}
	for _, key := range m.Keys {
		var next []map[string]cty.Value
		for _, combo := range combos {
			for _, raw := range m.Values[key] {
				clone := make(map[string]cty.Value, len(combo)+1)
				for k, v := range combo {
					clone[k] = v
				}
				clone[key] = scalarToCty(raw)
				next = append(next, clone)
			}
		}
		combos = next
	}
	return combos
}

func instanceID(jobID string, job *workflow.Job, combo map[string]cty.Value) string {
	if len(combo) == 0 {
		return jobID
	}
	parts := make([]string, 0, len(combo))
	for _, key := range job.Strategy.Matrix.Keys {
		text, _ := exprValueText(combo[key])
		parts = append(parts, fmt.Sprintf("%s=%s", key, text))
	}
	return fmt.Sprintf("%s (%s)", jobID, strings.Join(parts, ", "))
}

func scalarToCty(v any) cty.Value {
	switch v := v.(type) {
	case string:
		return cty.StringVal(v)
	case bool:
		return cty.BoolVal(v)
	case int:
		return cty.NumberIntVal(int64(v))
	case int64:
		return cty.NumberIntVal(v)
	case uint64:
		return cty.NumberUIntVal(v)
	case float64:
		return cty.NumberFloatVal(v)
	default:
		return cty.StringVal(fmt.Sprintf("%v", v))
	}
}

func exprValueText(v cty.Value) (string, error) {
	switch v.Type() {
	case cty.String:
		return v.AsString(), nil
	case cty.Bool:
		return fmt.Sprintf("%t", v.True()), nil
	case cty.Number:
		return v.AsBigFloat().Text('f', -1), nil
	default:
		return v.GoString(), nil
	}
}
