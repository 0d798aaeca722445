package workflow

import (
	"fmt"
	"regexp"
)

// Severity classifies a lint finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Problem is a single lint finding against a workflow.
type Problem struct {
	Severity Severity
	Path     string
	Msg      string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s: %s", p.Severity, p.Path, p.Msg)
}

var stepsRefPattern = regexp.MustCompile(`steps\.([A-Za-z_][A-Za-z0-9_]*)\.`)

// Lint reports problems Parse tolerates: unresolved references are errors
// (the planner would also reject them), stylistic findings are warnings.
// The returned slice is empty for a clean workflow.
func Lint(wf *Workflow) []Problem {
	var problems []Problem

	names := map[string]string{}
	for _, id := range wf.jobOrder {
		job := wf.Jobs[id]
		path := "jobs." + id

		for _, need := range job.Needs {
			if _, ok := wf.Jobs[need]; !ok {
				problems = append(problems, Problem{SeverityError, path,
					fmt.Sprintf("needs references undefined job %q", need)})
			}
		}
		if job.Name != "" {
			if other, dup := names[job.Name]; dup {
				problems = append(problems, Problem{SeverityWarning, path,
					fmt.Sprintf("job name %q is also used by %q", job.Name, other)})
			}
			names[job.Name] = id
		}
		for key := range job.Env {
			if _, shadowed := wf.Env[key]; shadowed {
				problems = append(problems, Problem{SeverityWarning, path + ".env",
					fmt.Sprintf("%q shadows a workflow-level variable", key)})
			}
		}
		problems = append(problems, lintStepRefs(job, path)...)
	}
	return problems
}

// lintStepRefs flags expressions that reference step ids never declared in
// the same job. Those resolve to empty strings at runtime, which is almost
// always a typo.
func lintStepRefs(job *Job, path string) []Problem {
	declared := map[string]bool{}
	for _, step := range job.Steps {
		if step.ID != "" {
			declared[step.ID] = true
		}
	}
	var problems []Problem
	check := func(where, text string) {
		for _, m := range stepsRefPattern.FindAllStringSubmatch(text, -1) {
			if !declared[m[1]] {
				problems = append(problems, Problem{SeverityWarning, where,
					fmt.Sprintf("references undeclared step id %q", m[1])})
			}
		}
	}
	for i, step := range job.Steps {
		stepPath := fmt.Sprintf("%s.steps[%d]", path, i)
		check(stepPath, step.If)
		check(stepPath, step.Run)
		for _, v := range step.Env {
			check(stepPath+".env", v)
		}
		for _, v := range step.With {
			check(stepPath+".with", v)
		}
	}
	return problems
}
