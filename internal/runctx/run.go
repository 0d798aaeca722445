package runctx

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RedactionMask replaces every occurrence of a registered secret value in
// stored logs and error details.
const RedactionMask = "***"

// StepState is the recorded state of one step within a job instance.
type StepState struct {
	Label string `json:"label"`
	// Outcome is the step's actual result; Conclusion is the result after
	// continue-on-error masking. Both are kept because later conditions
	// may query either.
	Outcome    Status            `json:"outcome"`
	Conclusion Status            `json:"conclusion"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Log        []string          `json:"log,omitempty"`
}

// InstanceState is the recorded state of one job instance.
type InstanceState struct {
	ID         string       `json:"id"`
	JobID      string       `json:"job_id"`
	Status     Status       `json:"status"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
	Steps      []*StepState `json:"steps"`
}

// Outputs merges the outputs of the instance's steps; a later step wins a
// name collision.
func (s *InstanceState) Outputs() map[string]string {
	out := make(map[string]string)
	for _, step := range s.Steps {
		for k, v := range step.Outputs {
			out[k] = v
		}
	}
	return out
}

// Run tracks all mutable state for one workflow run. One coarse mutex
// guards it: each instance's slice is written only by the goroutine
// executing that instance, so the lock only has to make transitions and
// snapshots atomic, not arbitrate writers.
type Run struct {
	ID           string
	WorkflowName string
	StartedAt    time.Time

	mu        sync.Mutex
	instances map[string]*InstanceState
	order     []string
	secrets   []string
	aborted   bool
}

// New creates the run state with every known instance pending.
func New(workflowName string) *Run {
	return &Run{
		ID:           uuid.NewString(),
		WorkflowName: workflowName,
		StartedAt:    time.Now(),
		instances:    make(map[string]*InstanceState),
	}
}

// AddInstance registers a pending instance with pending placeholders for
// each of its step labels.
func (r *Run) AddInstance(id, jobID string, stepLabels []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := make([]*StepState, len(stepLabels))
	for i, label := range stepLabels {
		steps[i] = &StepState{Label: label, Outcome: StatusPending, Conclusion: StatusPending}
	}
	r.instances[id] = &InstanceState{ID: id, JobID: jobID, Status: StatusPending, Steps: steps}
	r.order = append(r.order, id)
}

// RegisterSecret adds a value to the redaction list. Empty values are
// ignored; masking them would corrupt every stored line.
func (r *Run) RegisterSecret(value string) {
	if value == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = append(r.secrets, value)
}

// Redact replaces every registered secret value in s with the mask.
func (r *Run) Redact(s string) string {
	r.mu.Lock()
	secrets := r.secrets
	r.mu.Unlock()
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, RedactionMask)
	}
	return s
}

// SetInstanceStatus performs one guarded status transition.
func (r *Run) SetInstanceStatus(id string, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, err := r.instance(id)
	if err != nil {
		return err
	}
	if !canTransition(inst.Status, to) {
		return &TransitionError{Key: id, From: inst.Status, To: to}
	}
	switch {
	case to == StatusRunning:
		inst.StartedAt = time.Now()
	case to.Terminal():
		inst.FinishedAt = time.Now()
	}
	inst.Status = to
	return nil
}

// SetInstanceError records the redacted failure detail for an instance.
func (r *Run) SetInstanceError(id string, detail string) {
	redacted := r.Redact(detail)
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, err := r.instance(id); err == nil {
		inst.Error = redacted
	}
}

// StartStep marks a step running.
func (r *Run) StartStep(id string, index int) error {
	return r.transitionStep(id, index, StatusRunning, StatusRunning)
}

// FinishStep records a step's terminal outcome and conclusion together
// with its outputs and redacted error detail.
func (r *Run) FinishStep(id string, index int, outcome, conclusion Status, outputs map[string]string, detail string) error {
	redacted := ""
	if detail != "" {
		redacted = r.Redact(detail)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	step, err := r.step(id, index)
	if err != nil {
		return err
	}
	if !canTransition(step.Outcome, outcome) {
		return &TransitionError{Key: stepKey(id, index), From: step.Outcome, To: outcome}
	}
	step.Outcome = outcome
	step.Conclusion = conclusion
	step.Outputs = outputs
	step.Error = redacted
	step.FinishedAt = time.Now()
	return nil
}

// AppendStepLog stores one redacted log line for a step.
func (r *Run) AppendStepLog(id string, index int, line string) {
	redacted := r.Redact(line)
	r.mu.Lock()
	defer r.mu.Unlock()
	if step, err := r.step(id, index); err == nil {
		step.Log = append(step.Log, redacted)
	}
}

// InstanceStatus returns the current status of an instance.
func (r *Run) InstanceStatus(id string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, err := r.instance(id); err == nil {
		return inst.Status
	}
	return StatusPending
}

// Instance returns a deep snapshot of one instance's state.
func (r *Run) Instance(id string) *InstanceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, err := r.instance(id)
	if err != nil {
		return nil
	}
	return cloneInstance(inst)
}

// MarkAborted records that the run was cancelled from outside; it gives
// Cancelled precedence in the overall result.
func (r *Run) MarkAborted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = true
}

// Aborted reports whether the run was externally cancelled.
func (r *Run) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *Run) transitionStep(id string, index int, outcome, conclusion Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step, err := r.step(id, index)
	if err != nil {
		return err
	}
	if !canTransition(step.Outcome, outcome) {
		return &TransitionError{Key: stepKey(id, index), From: step.Outcome, To: outcome}
	}
	step.Outcome = outcome
	step.Conclusion = conclusion
	if outcome == StatusRunning {
		step.StartedAt = time.Now()
	}
	return nil
}

func (r *Run) instance(id string) (*InstanceState, error) {
	if inst, ok := r.instances[id]; ok {
		return inst, nil
	}
	return nil, &TransitionError{Key: id, From: StatusPending, To: StatusPending}
}

func (r *Run) step(id string, index int) (*StepState, error) {
	inst, err := r.instance(id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(inst.Steps) {
		return nil, &TransitionError{Key: stepKey(id, index), From: StatusPending, To: StatusPending}
	}
	return inst.Steps[index], nil
}

func stepKey(id string, index int) string {
	return fmt.Sprintf("%s#%d", id, index)
}

func cloneInstance(inst *InstanceState) *InstanceState {
	clone := *inst
	clone.Steps = make([]*StepState, len(inst.Steps))
	for i, step := range inst.Steps {
		s := *step
		s.Outputs = cloneMap(step.Outputs)
		s.Log = append([]string(nil), step.Log...)
		clone.Steps[i] = &s
	}
	return &clone
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
