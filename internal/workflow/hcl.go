package workflow

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// The HCL form of a workflow mirrors the YAML form block-for-block. Note
// that ${{ }} expression spans must be written as $${{ }} inside HCL
// quoted strings to suppress HCL's own template interpolation.

type hclFile struct {
	Workflows []*hclWorkflow `hcl:"workflow,block"`
}

type hclWorkflow struct {
	Name string         `hcl:"name,label"`
	Env  hcl.Expression `hcl:"env,optional"`
	Jobs []*hclJob      `hcl:"job,block"`
}

type hclJob struct {
	ID              string          `hcl:"id,label"`
	Name            string          `hcl:"name,optional"`
	Needs           []string        `hcl:"needs,optional"`
	If              string          `hcl:"if,optional"`
	RunsOn          string          `hcl:"runs_on,optional"`
	Image           string          `hcl:"image,optional"`
	Env             hcl.Expression  `hcl:"env,optional"`
	ContinueOnError bool            `hcl:"continue_on_error,optional"`
	TimeoutMinutes  int             `hcl:"timeout_minutes,optional"`
	Concurrency     *hclConcurrency `hcl:"concurrency,block"`
	Strategy        *hclStrategy    `hcl:"strategy,block"`
	Steps           []*hclStep      `hcl:"step,block"`
}

type hclConcurrency struct {
	Group            string `hcl:"group"`
	CancelInProgress bool   `hcl:"cancel_in_progress,optional"`
}

type hclStrategy struct {
	Matrix      hcl.Expression `hcl:"matrix,optional"`
	FailFast    *bool          `hcl:"fail_fast,optional"`
	MaxParallel int            `hcl:"max_parallel,optional"`
}

type hclStep struct {
	ID              string         `hcl:"id,optional"`
	Name            string         `hcl:"name,optional"`
	If              string         `hcl:"if,optional"`
	Run             string         `hcl:"run,optional"`
	Uses            string         `hcl:"uses,optional"`
	With            hcl.Expression `hcl:"with,optional"`
	Env             hcl.Expression `hcl:"env,optional"`
	ContinueOnError bool           `hcl:"continue_on_error,optional"`
	TimeoutMinutes  int            `hcl:"timeout_minutes,optional"`
	Retries         int            `hcl:"retries,optional"`
}

// ParseHCL decodes and validates a single HCL workflow file.
func ParseHCL(filename string, src []byte) (*Workflow, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, &ParseError{Msg: diags.Error(), Err: diags}
	}

	var root hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, &ParseError{Msg: diags.Error(), Err: diags}
	}
	if len(root.Workflows) != 1 {
		return nil, parseErrorf(filename, "expected exactly one workflow block, found %d", len(root.Workflows))
	}
	return translateHCLWorkflow(root.Workflows[0])
}

func translateHCLWorkflow(src *hclWorkflow) (*Workflow, error) {
	env, err := stringMapValue(src.Env, "env")
	if err != nil {
		return nil, err
	}

	wf := &Workflow{
		Name: src.Name,
		Env:  env,
		Jobs: make(map[string]*Job, len(src.Jobs)),
	}
	for _, hj := range src.Jobs {
		if _, dup := wf.Jobs[hj.ID]; dup {
			return nil, parseErrorf("jobs."+hj.ID, "duplicate job id")
		}
		job, err := translateHCLJob(hj)
		if err != nil {
			return nil, err
		}
		wf.Jobs[hj.ID] = job
		wf.jobOrder = append(wf.jobOrder, hj.ID)
	}
	if err := validate(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

func translateHCLJob(src *hclJob) (*Job, error) {
	path := "jobs." + src.ID
	env, err := stringMapValue(src.Env, path+".env")
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:              src.ID,
		Name:            src.Name,
		Needs:           src.Needs,
		If:              src.If,
		RunsOn:          src.RunsOn,
		Env:             env,
		ContinueOnError: src.ContinueOnError,
		TimeoutMinutes:  src.TimeoutMinutes,
	}
	if src.Image != "" {
		job.Container = &Container{Image: src.Image}
	}
	if src.Concurrency != nil {
		job.Concurrency = &Concurrency{
			Group:            src.Concurrency.Group,
			CancelInProgress: src.Concurrency.CancelInProgress,
		}
	}
	if src.Strategy != nil {
		matrix, err := matrixValue(src.Strategy.Matrix, path+".strategy.matrix")
		if err != nil {
			return nil, err
		}
		job.Strategy = &Strategy{
			Matrix:      matrix,
			FailFast:    src.Strategy.FailFast,
			MaxParallel: src.Strategy.MaxParallel,
		}
	}
	for i, hs := range src.Steps {
		stepPath := fmt.Sprintf("%s.steps[%d]", path, i)
		with, err := stringMapValue(hs.With, stepPath+".with")
		if err != nil {
			return nil, err
		}
		stepEnv, err := stringMapValue(hs.Env, stepPath+".env")
		if err != nil {
			return nil, err
		}
		job.Steps = append(job.Steps, &Step{
			ID:              hs.ID,
			Name:            hs.Name,
			If:              hs.If,
			Run:             hs.Run,
			Uses:            hs.Uses,
			With:            with,
			Env:             stepEnv,
			ContinueOnError: hs.ContinueOnError,
			TimeoutMinutes:  hs.TimeoutMinutes,
			Retries:         hs.Retries,
		})
	}
	return job, nil
}

// stringMapValue evaluates an attribute expression into a string map. Only
// literal values are accepted; workflow expressions stay inside ${{ }}
// spans and are resolved at execution time.
func stringMapValue(expr hcl.Expression, path string) (map[string]string, error) {
	val, err := literalValue(expr, path)
	if err != nil || val == cty.NilVal {
		return nil, err
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, parseErrorf(path, "must be a mapping of string to string")
	}
	out := make(map[string]string)
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		str, cerr := convert.Convert(v, cty.String)
		if cerr != nil || str.IsNull() {
			return nil, parseErrorf(path, "value of %q is not a string", k.AsString())
		}
		out[k.AsString()] = str.AsString()
	}
	return out, nil
}

// matrixValue evaluates a matrix attribute into dimension lists. HCL object
// keys carry no declaration order, so dimensions are ordered
// lexicographically.
func matrixValue(expr hcl.Expression, path string) (Matrix, error) {
	var m Matrix
	val, err := literalValue(expr, path)
	if err != nil || val == cty.NilVal {
		return m, err
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return m, parseErrorf(path, "matrix must be a mapping of dimension to values")
	}
	m.Values = make(map[string][]any)
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		key := k.AsString()
		if !v.Type().IsTupleType() && !v.Type().IsListType() {
			return m, parseErrorf(path, "matrix dimension %q must be a list", key)
		}
		var vals []any
		for vi := v.ElementIterator(); vi.Next(); {
			_, elem := vi.Element()
			scalar, serr := scalarFromCty(elem)
			if serr != nil {
				return m, parseErrorf(path, "matrix dimension %q: %v", key, serr)
			}
			vals = append(vals, scalar)
		}
		m.Keys = append(m.Keys, key)
		m.Values[key] = vals
	}
	sort.Strings(m.Keys)
	return m, nil
}

func literalValue(expr hcl.Expression, path string) (cty.Value, error) {
	if expr == nil {
		return cty.NilVal, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return cty.NilVal, &ParseError{Path: path, Msg: diags.Error(), Err: diags}
	}
	if val.IsNull() {
		return cty.NilVal, nil
	}
	return val, nil
}

func scalarFromCty(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, fmt.Errorf("null is not a scalar value")
	}
	switch v.Type() {
	case cty.String:
		return v.AsString(), nil
	case cty.Bool:
		return v.True(), nil
	case cty.Number:
		bf := v.AsBigFloat()
		if i, acc := bf.Int64(); acc == 0 {
			return int(i), nil
		}
		f, _ := bf.Float64()
		return f, nil
	default:
		return nil, fmt.Errorf("%s is not a scalar type", v.Type().FriendlyName())
	}
}
