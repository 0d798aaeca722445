package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Workflow is the parsed, immutable representation of one workflow document.
type Workflow struct {
	Name string `yaml:"name"`
	// On carries the trigger metadata verbatim. The executor does not act
	// on it; it is preserved for reporting and for callers that do.
	On   yaml.Node          `yaml:"on"`
	Env  map[string]string  `yaml:"env"`
	Jobs map[string]*Job    `yaml:"jobs"`

	// jobOrder preserves declaration order for deterministic planning.
	jobOrder []string
}

// JobOrder returns job ids in document declaration order.
func (w *Workflow) JobOrder() []string {
	return w.jobOrder
}

// Job is one named unit of work composed of ordered steps.
type Job struct {
	ID              string            `yaml:"-"`
	Name            string            `yaml:"name"`
	Needs           StringList        `yaml:"needs"`
	If              string            `yaml:"if"`
	RunsOn          string            `yaml:"runs-on"`
	Container       *Container        `yaml:"container"`
	Env             map[string]string `yaml:"env"`
	ContinueOnError bool              `yaml:"continue-on-error"`
	TimeoutMinutes  int               `yaml:"timeout-minutes"`
	Concurrency     *Concurrency      `yaml:"concurrency"`
	Strategy        *Strategy         `yaml:"strategy"`
	Steps           []*Step           `yaml:"steps"`
}

// Timeout returns the job's timeout, or zero when none is declared.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMinutes) * time.Minute
}

// Step is the smallest executable unit within a job: a shell command
// ("run") or a delegated action ("uses"), never both.
type Step struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	If              string            `yaml:"if"`
	Run             string            `yaml:"run"`
	Uses            string            `yaml:"uses"`
	With            map[string]string `yaml:"with"`
	Env             map[string]string `yaml:"env"`
	ContinueOnError bool              `yaml:"continue-on-error"`
	TimeoutMinutes  int               `yaml:"timeout-minutes"`
	// Retries is the number of additional attempts after a failure.
	Retries int `yaml:"retries"`
}

// Timeout returns the step's timeout, or zero when none is declared.
func (s *Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// Label returns the human-facing identifier of the step: its name, id, or
// command, in that order of preference.
func (s *Step) Label() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.ID != "":
		return s.ID
	case s.Run != "":
		return s.Run
	default:
		return s.Uses
	}
}

// Container selects the image a job's steps run in when the docker
// sandbox is active.
type Container struct {
	Image string `yaml:"image"`
}

// Concurrency names the group a job competes in. A newer instance entering
// the group cancels a running older member when CancelInProgress is set.
type Concurrency struct {
	Group            string `yaml:"group"`
	CancelInProgress bool   `yaml:"cancel-in-progress"`
}

// UnmarshalYAML accepts either a bare group string or the full mapping form.
func (c *Concurrency) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		c.Group = value.Value
		c.CancelInProgress = true
		return nil
	}
	type plain Concurrency
	return value.Decode((*plain)(c))
}

// Strategy declares the matrix expansion and fail-fast policy of a job.
type Strategy struct {
	Matrix      Matrix `yaml:"matrix"`
	FailFast    *bool  `yaml:"fail-fast"`
	MaxParallel int    `yaml:"max-parallel"`
}

// FailFastEnabled reports the fail-fast setting. Unset means enabled.
func (s *Strategy) FailFastEnabled() bool {
	return s == nil || s.FailFast == nil || *s.FailFast
}

// Matrix is an ordered set of scalar-valued dimensions. Declaration order
// is preserved so instance expansion is deterministic.
type Matrix struct {
	Keys   []string
	Values map[string][]any
}

// UnmarshalYAML decodes a mapping of dimension name to scalar list,
// preserving key order.
func (m *Matrix) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("matrix must be a mapping of dimension to values")
	}
	m.Values = make(map[string][]any, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i].Value
		var vals []any
		if err := value.Content[i+1].Decode(&vals); err != nil {
			return fmt.Errorf("matrix dimension %q must be a list: %w", key, err)
		}
		m.Keys = append(m.Keys, key)
		m.Values[key] = vals
	}
	return nil
}

// Len returns the number of dimensions.
func (m *Matrix) Len() int { return len(m.Keys) }

// StringList accepts either a single scalar or a sequence of scalars.
type StringList []string

// UnmarshalYAML implements the scalar-or-sequence convention used by
// fields such as "needs".
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = StringList{value.Value}
		return nil
	}
	var items []string
	if err := value.Decode(&items); err != nil {
		return err
	}
	*l = items
	return nil
}
