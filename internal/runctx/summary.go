package runctx

import "time"

// Summary is the observable result of a finished (or finishing) run.
type Summary struct {
	RunID        string           `json:"run_id"`
	WorkflowName string           `json:"workflow_name"`
	Status       Status           `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Instances    []*InstanceState `json:"instances"`
}

// Failed reports whether the run ended in failure or cancellation.
func (s *Summary) Failed() bool {
	return s.Status == StatusFailure || s.Status == StatusCancelled
}

// Summary snapshots the whole run. The overall status is Success unless
// any instance failed; an externally aborted run reports Cancelled over
// Failure.
func (r *Run) Summary() *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Summary{
		RunID:        r.ID,
		WorkflowName: r.WorkflowName,
		Status:       StatusSuccess,
		StartedAt:    r.StartedAt,
		FinishedAt:   time.Now(),
	}
	anyCancelled := false
	for _, id := range r.order {
		inst := r.instances[id]
		s.Instances = append(s.Instances, cloneInstance(inst))
		switch inst.Status {
		case StatusFailure:
			s.Status = StatusFailure
		case StatusCancelled:
			anyCancelled = true
		}
	}
	if r.aborted && anyCancelled {
		s.Status = StatusCancelled
	}
	return s
}
