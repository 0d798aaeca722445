package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// ParseError reports a malformed workflow document. Path points at the
// offending job or step ("jobs.build.steps[2]") when one is known.
type ParseError struct {
	Path string
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Path == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

// Unwrap exposes the underlying cause, if any.
func (e *ParseError) Unwrap() error { return e.Err }

func parseErrorf(path, format string, args ...any) *ParseError {
	return &ParseError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// envKeyPattern is the accepted syntax for environment variable names.
var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Parse decodes and validates a single YAML workflow document.
func Parse(raw []byte) (*Workflow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	wf := &Workflow{}
	if err := dec.Decode(wf); err != nil {
		return nil, &ParseError{Msg: fmt.Sprintf("invalid YAML: %v", err), Err: err}
	}
	if err := finishWorkflow(wf, raw); err != nil {
		return nil, err
	}
	return wf, nil
}

// ParseAll decodes a multi-document YAML stream into one workflow per
// document. Empty documents are skipped.
func ParseAll(raw []byte) ([]*Workflow, error) {
	var out []*Workflow
	dec := yaml.NewDecoder(bytes.NewReader(raw))

	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{Msg: fmt.Sprintf("invalid YAML: %v", err), Err: err}
		}
		if doc.Kind == 0 || len(doc.Content) == 0 {
			continue
		}
		// Round-trip through bytes so each document gets the same strict
		// field checking and ordering recovery as Parse.
		single, err := yaml.Marshal(&doc)
		if err != nil {
			return nil, &ParseError{Msg: fmt.Sprintf("invalid YAML: %v", err), Err: err}
		}
		wf, err := Parse(single)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if len(out) == 0 {
		return nil, &ParseError{Msg: "no workflow documents found"}
	}
	return out, nil
}

// finishWorkflow stamps job ids, recovers declaration order, and validates
// the decoded model.
func finishWorkflow(wf *Workflow, raw []byte) error {
	for id, job := range wf.Jobs {
		if job == nil {
			return parseErrorf("jobs."+id, "job definition is empty")
		}
		job.ID = id
	}
	wf.jobOrder = jobDeclarationOrder(raw, wf)
	return validate(wf)
}

// jobDeclarationOrder reads the order of the "jobs" mapping keys from the
// raw document. Map decoding loses ordering, and the planner wants
// deterministic instance numbering.
func jobDeclarationOrder(raw []byte, wf *Workflow) []string {
	order := orderFromNode(raw)
	if len(order) == len(wf.Jobs) {
		return order
	}
	// Fallback for callers that constructed the model directly: sorted by id.
	order = order[:0]
	for id := range wf.Jobs {
		order = append(order, id)
	}
	sort.Strings(order)
	return order
}

func orderFromNode(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil || len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "jobs" && root.Content[i].Value != "Jobs" {
			continue
		}
		jobs := root.Content[i+1]
		if jobs.Kind != yaml.MappingNode {
			return nil
		}
		var order []string
		for j := 0; j+1 < len(jobs.Content); j += 2 {
			order = append(order, jobs.Content[j].Value)
		}
		return order
	}
	return nil
}

// validate enforces the parse-time invariants of the model. Dependency
// resolution (unknown "needs" targets, cycles) is the planner's concern.
func validate(wf *Workflow) error {
	if len(wf.Jobs) == 0 {
		return parseErrorf("jobs", "workflow must declare at least one job")
	}
	if err := validateEnv(wf.Env, "env"); err != nil {
		return err
	}
	for _, id := range wf.jobOrder {
		if err := validateJob(wf.Jobs[id], "jobs."+id); err != nil {
			return err
		}
	}
	return nil
}

func validateJob(job *Job, path string) error {
	if job.TimeoutMinutes < 0 {
		return parseErrorf(path, "timeout-minutes must not be negative")
	}
	if err := validateEnv(job.Env, path+".env"); err != nil {
		return err
	}
	if job.Strategy != nil {
		if err := validateMatrix(&job.Strategy.Matrix, path+".strategy.matrix"); err != nil {
			return err
		}
		if job.Strategy.MaxParallel < 0 {
			return parseErrorf(path+".strategy", "max-parallel must not be negative")
		}
	}
	if job.Concurrency != nil && job.Concurrency.Group == "" {
		return parseErrorf(path+".concurrency", "concurrency group must not be empty")
	}
	seen := map[string]bool{}
	for i, step := range job.Steps {
		stepPath := fmt.Sprintf("%s.steps[%d]", path, i)
		if step == nil {
			return parseErrorf(stepPath, "step definition is empty")
		}
		if err := validateStep(step, stepPath); err != nil {
			return err
		}
		if step.ID != "" {
			if seen[step.ID] {
				return parseErrorf(stepPath, "duplicate step id %q", step.ID)
			}
			seen[step.ID] = true
		}
	}
	return nil
}

func validateStep(step *Step, path string) error {
	switch {
	case step.Run != "" && step.Uses != "":
		return parseErrorf(path, "step declares both \"run\" and \"uses\"")
	case step.Run == "" && step.Uses == "":
		return parseErrorf(path, "step must declare \"run\" or \"uses\"")
	}
	if step.TimeoutMinutes < 0 {
		return parseErrorf(path, "timeout-minutes must not be negative")
	}
	if step.Retries < 0 {
		return parseErrorf(path, "retries must not be negative")
	}
	if step.ID != "" && !envKeyPattern.MatchString(step.ID) {
		return parseErrorf(path, "step id %q is not a valid identifier", step.ID)
	}
	return validateEnv(step.Env, path+".env")
}

func validateEnv(env map[string]string, path string) error {
	for key := range env {
		if !envKeyPattern.MatchString(key) {
			return parseErrorf(path, "invalid environment variable name %q", key)
		}
	}
	return nil
}

// validateMatrix rejects empty dimensions and non-scalar values.
func validateMatrix(m *Matrix, path string) error {
	for _, key := range m.Keys {
		if !envKeyPattern.MatchString(key) {
			return parseErrorf(path, "invalid matrix dimension name %q", key)
		}
		vals := m.Values[key]
		if len(vals) == 0 {
			return parseErrorf(path, "matrix dimension %q has no values", key)
		}
		for i, v := range vals {
			switch v.(type) {
			case string, bool, int, int64, uint64, float64:
			default:
				return parseErrorf(path, "matrix dimension %q value #%d is not a scalar", key, i+1)
			}
		}
	}
	return nil
}
