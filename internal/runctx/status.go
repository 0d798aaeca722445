package runctx

import "fmt"

// Status is the lifecycle state of a job instance or step. Transitions
// are monotonic: once terminal, a status never changes.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// TransitionError reports an attempt to move a status backwards or out of
// a terminal state.
type TransitionError struct {
	Key  string
	From Status
	To   Status
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: illegal status transition %s -> %s", e.Key, e.From, e.To)
}

// canTransition encodes the legal moves: pending may start running or be
// resolved directly (skipped/cancelled, or success for zero-step jobs);
// running may only reach a terminal state.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to.Terminal()
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}
