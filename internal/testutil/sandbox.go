// Package testutil provides shared fakes for exercising the step runner
// and scheduler without spawning real processes.
package testutil

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/vk/gantry/internal/sandbox"
)

// Response scripts the result of a fake execution. Match selects commands
// by substring; the first matching response wins.
type Response struct {
	Match    string
	Stdout   string
	Stderr   string
	ExitCode int

	// Delay simulates a long-running command. Cancellation interrupts it
	// and counts as a termination request.
	Delay time.Duration
}

// FakeSandbox records every execution and replays scripted responses.
type FakeSandbox struct {
	mu        sync.Mutex
	responses []Response
	executed  []sandbox.Spec
	killed    int
}

// NewFakeSandbox creates a fake whose unmatched commands succeed silently.
func NewFakeSandbox(responses ...Response) *FakeSandbox {
	return &FakeSandbox{responses: responses}
}

// Execute implements sandbox.Sandbox.
func (f *FakeSandbox) Execute(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	f.mu.Lock()
	f.executed = append(f.executed, spec)
	f.mu.Unlock()

	res := Response{}
	for _, candidate := range f.responses {
		if strings.Contains(spec.Command, candidate.Match) {
			res = candidate
			break
		}
	}
	return &fakeHandle{ctx: ctx, sandbox: f, res: res}, nil
}

// Executed returns a snapshot of every spec the fake has seen.
func (f *FakeSandbox) Executed() []sandbox.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.Spec(nil), f.executed...)
}

// Commands returns just the command strings, in execution order.
func (f *FakeSandbox) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	commands := make([]string, len(f.executed))
	for i, spec := range f.executed {
		commands[i] = spec.Command
	}
	return commands
}

// Terminations counts executions that were interrupted by cancellation.
func (f *FakeSandbox) Terminations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

type fakeHandle struct {
	ctx     context.Context
	sandbox *FakeSandbox
	res     Response
}

func (h *fakeHandle) Stdout() io.Reader { return strings.NewReader(h.res.Stdout) }
func (h *fakeHandle) Stderr() io.Reader { return strings.NewReader(h.res.Stderr) }

func (h *fakeHandle) Wait() (int, error) {
	if h.res.Delay > 0 {
		select {
		case <-time.After(h.res.Delay):
		case <-h.ctx.Done():
			h.sandbox.mu.Lock()
			h.sandbox.killed++
			h.sandbox.mu.Unlock()
			return -1, h.ctx.Err()
		}
	}
	if err := h.ctx.Err(); err != nil {
		h.sandbox.mu.Lock()
		h.sandbox.killed++
		h.sandbox.mu.Unlock()
		return -1, err
	}
	return h.res.ExitCode, nil
}
