package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vk/gantry/internal/ctxlog"
	"github.com/vk/gantry/internal/expr"
	"github.com/vk/gantry/internal/plan"
	"github.com/vk/gantry/internal/runctx"
	"github.com/vk/gantry/internal/secrets"
	"github.com/vk/gantry/internal/steprunner"
	"github.com/vk/gantry/internal/workflow"
)

// Config tunes run-wide scheduling behavior.
type Config struct {
	// Workers caps simultaneously running job instances. Zero or negative
	// means no cap.
	Workers int

	// FailFast cancels the whole run on the first instance failure.
	// Matrix-level fail-fast (strategy.fail-fast, on by default) applies
	// independently of this and only to sibling instances.
	FailFast bool

	// DefaultTimeout bounds steps that declare no timeout of their own and
	// whose job declares none either. Zero means unbounded.
	DefaultTimeout time.Duration

	WorkingDir string

	// AmbientEnv is the lowest-precedence environment layer, typically the
	// executor's own process environment plus --var overrides.
	AmbientEnv map[string]string
}

// Scheduler executes one plan against one run context.
type Scheduler struct {
	wf      *workflow.Workflow
	plan    *plan.Plan
	run     *runctx.Run
	runner  *steprunner.Runner
	secrets secrets.Resolver
	cfg     Config

	// Event-loop state. Only the Execute goroutine touches these.
	completed  map[string]struct{}
	dispatched map[string]struct{}
	cancels    map[string]context.CancelFunc
	groups     map[string]string
	running    int
	runningOf  map[string]int
	done       chan doneEvent
}

type doneEvent struct {
	id     string
	jobID  string
	status runctx.Status
}

// New assembles a scheduler. The runner must already be bound to the same
// run context.
func New(wf *workflow.Workflow, p *plan.Plan, run *runctx.Run, runner *steprunner.Runner, resolver secrets.Resolver, cfg Config) *Scheduler {
	return &Scheduler{
		wf:         wf,
		plan:       p,
		run:        run,
		runner:     runner,
		secrets:    resolver,
		cfg:        cfg,
		completed:  make(map[string]struct{}),
		dispatched: make(map[string]struct{}),
		cancels:    make(map[string]context.CancelFunc),
		groups:     make(map[string]string),
		runningOf:  make(map[string]int),
		done:       make(chan doneEvent, len(p.Instances())),
	}
}

// Execute runs the event loop until every instance is terminal. The run
// context holds the outcome; Execute errors only on internal faults.
func (s *Scheduler) Execute(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	remaining := len(s.plan.Instances())
	externalDone := ctx.Done()

	for remaining > 0 {
		if n := s.dispatch(runCtx); n > 0 {
			// Inline terminal transitions (skips, cancellations) may have
			// unblocked dependents; recompute before waiting.
			remaining -= n
			continue
		}

		select {
		case <-externalDone:
			log.Warn("Run cancelled externally.")
			s.run.MarkAborted()
			externalDone = nil
		case ev := <-s.done:
			remaining--
			s.settle(ev)
			if ev.status == runctx.StatusFailure {
				s.propagateFailure(runCtx, cancelRun, ev)
			}
		}
	}

	// Cancellation may land without the loop ever blocking in select, for
	// example when a pre-cancelled context settles everything inline.
	if ctx.Err() != nil {
		s.run.MarkAborted()
	}
	return nil
}

// settle records a finished instance and releases its admission slots.
func (s *Scheduler) settle(ev doneEvent) {
	s.completed[ev.id] = struct{}{}
	s.running--
	s.runningOf[ev.jobID]--
	delete(s.cancels, ev.id)
	for group, holder := range s.groups {
		if holder == ev.id {
			delete(s.groups, group)
		}
	}
}

// propagateFailure applies fail-fast rules after an instance failure.
func (s *Scheduler) propagateFailure(ctx context.Context, cancelRun context.CancelFunc, ev doneEvent) {
	log := ctxlog.FromContext(ctx)
	job := s.wf.Jobs[ev.jobID]
	if job != nil && job.ContinueOnError {
		return
	}

	if s.cfg.FailFast {
		log.Warn("Instance failed, cancelling run.", "instance", ev.id)
		cancelRun()
		return
	}

	if job != nil && job.Strategy != nil && job.Strategy.Matrix.Len() > 0 && job.Strategy.FailFastEnabled() {
		log.Warn("Matrix instance failed, cancelling siblings.", "instance", ev.id)
		for _, sibling := range s.plan.InstancesOf(ev.jobID) {
			if sibling.ID == ev.id {
				continue
			}
			if cancel, ok := s.cancels[sibling.ID]; ok {
				cancel()
			}
		}
	}
}

// dispatch admits every ready instance the current limits allow. It
// returns the number of instances it settled inline (skipped, cancelled,
// or failed without running).
func (s *Scheduler) dispatch(ctx context.Context) int {
	settled := 0
	for _, inst := range s.plan.Ready(s.completed) {
		if _, ok := s.dispatched[inst.ID]; ok {
			continue
		}

		if ctx.Err() != nil {
			s.finishInline(inst, runctx.StatusCancelled, "")
			settled++
			continue
		}

		proceed, detail, err := s.shouldRun(inst)
		if err != nil {
			s.finishInline(inst, runctx.StatusFailure, err.Error())
			settled++
			continue
		}
		if !proceed {
			s.finishInline(inst, runctx.StatusSkipped, detail)
			settled++
			continue
		}

		if s.cfg.Workers > 0 && s.running >= s.cfg.Workers {
			break
		}
		if limit := maxParallel(inst.Job); limit > 0 && s.runningOf[inst.JobID] >= limit {
			continue
		}
		if !s.claimGroup(ctx, inst) {
			continue
		}

		s.admit(ctx, inst)
	}
	return settled
}

// shouldRun evaluates the job-level condition against the dependency
// results. A missing condition defaults to success(); a condition that
// never calls a status function gets the same success() check applied on
// top, so a plain `if: env.X == '1'` still skips on a failed dependency.
func (s *Scheduler) shouldRun(inst *plan.Instance) (bool, string, error) {
	env := s.newEnv(inst, scopeNeeds, s.cfg.AmbientEnv)
	condition := inst.Job.If
	if condition == "" {
		condition = "success()"
	} else if !expr.ReferencesStatus(condition) && !env.Aggregate().Success() {
		return false, "a dependency failed or was cancelled", nil
	}
	ok, err := expr.EvaluateCondition(condition, env)
	if err != nil {
		return false, "", fmt.Errorf("evaluating job condition: %w", err)
	}
	if !ok {
		return false, fmt.Sprintf("condition %q was false", condition), nil
	}
	return true, "", nil
}

// claimGroup enforces concurrency groups. It returns false when the
// instance has to wait, after requesting cancellation of the running
// holder if the group is cancel-in-progress.
func (s *Scheduler) claimGroup(ctx context.Context, inst *plan.Instance) bool {
	c := inst.Job.Concurrency
	if c == nil || c.Group == "" {
		return true
	}
	env := s.newEnv(inst, scopeNeeds, s.cfg.AmbientEnv)
	group, err := expr.Interpolate(c.Group, env)
	if err != nil || group == "" {
		group = c.Group
	}
	if holder, busy := s.groups[group]; busy {
		if c.CancelInProgress {
			if cancel, ok := s.cancels[holder]; ok {
				ctxlog.FromContext(ctx).Info("Superseding concurrency group holder.",
					"group", group, "holder", holder, "instance", inst.ID)
				cancel()
			}
		}
		return false
	}
	s.groups[group] = inst.ID
	return true
}

// admit starts the instance's goroutine under its own cancel scope.
func (s *Scheduler) admit(ctx context.Context, inst *plan.Instance) {
	instCtx, cancel := context.WithCancel(ctx)
	s.dispatched[inst.ID] = struct{}{}
	s.cancels[inst.ID] = cancel
	s.running++
	s.runningOf[inst.JobID]++
	go func() {
		defer cancel()
		status := s.runInstance(instCtx, inst)
		s.done <- doneEvent{id: inst.ID, jobID: inst.JobID, status: status}
	}()
}

// finishInline settles an instance that never runs: all of its steps are
// skipped and the instance goes straight to a terminal status.
func (s *Scheduler) finishInline(inst *plan.Instance, status runctx.Status, detail string) {
	for i := range inst.Job.Steps {
		_ = s.run.FinishStep(inst.ID, i, runctx.StatusSkipped, runctx.StatusSkipped, nil, "")
	}
	_ = s.run.SetInstanceStatus(inst.ID, status)
	if detail != "" {
		s.run.SetInstanceError(inst.ID, detail)
	}
	s.dispatched[inst.ID] = struct{}{}
	s.completed[inst.ID] = struct{}{}
}

// runInstance executes the instance's steps strictly in order and derives
// the instance status from their conclusions.
func (s *Scheduler) runInstance(ctx context.Context, inst *plan.Instance) runctx.Status {
	log := ctxlog.FromContext(ctx).With("instance", inst.ID)
	_ = s.run.SetInstanceStatus(inst.ID, runctx.StatusRunning)
	log.Info("Instance started.")

	baseEnv, err := s.mergeBaseEnv(inst)
	if err != nil {
		s.run.SetInstanceError(inst.ID, err.Error())
		for i := range inst.Job.Steps {
			_ = s.run.FinishStep(inst.ID, i, runctx.StatusSkipped, runctx.StatusSkipped, nil, "")
		}
		_ = s.run.SetInstanceStatus(inst.ID, runctx.StatusFailure)
		return runctx.StatusFailure
	}

	env := s.newEnv(inst, scopeSteps, baseEnv)
	failed := false
	cancelled := false
	firstError := ""

	for i, step := range inst.Job.Steps {
		if ctx.Err() != nil {
			cancelled = true
			_ = s.run.FinishStep(inst.ID, i, runctx.StatusSkipped, runctx.StatusSkipped, nil, "")
			continue
		}

		res := s.runner.Run(ctx, &steprunner.Task{
			InstanceID: inst.ID,
			Index:      i,
			Step:       step,
			BaseEnv:    baseEnv,
			Env:        env,
			WorkingDir: s.cfg.WorkingDir,
			Image:      jobImage(inst.Job),
			JobTimeout: inst.Job.Timeout(),
			RunTimeout: s.cfg.DefaultTimeout,
		})

		switch res.Conclusion {
		case runctx.StatusFailure:
			failed = true
			if firstError == "" && res.Err != nil {
				firstError = fmt.Sprintf("step %q: %v", step.Label(), res.Err)
			}
		case runctx.StatusCancelled:
			cancelled = true
		}
	}

	status := runctx.StatusSuccess
	switch {
	case failed:
		status = runctx.StatusFailure
	case cancelled:
		status = runctx.StatusCancelled
	}
	if firstError != "" {
		s.run.SetInstanceError(inst.ID, firstError)
	}
	_ = s.run.SetInstanceStatus(inst.ID, status)
	log.Info("Instance finished.", "status", status)
	return status
}

// mergeBaseEnv layers workflow env over the ambient env, then job env on
// top, interpolating expressions in declared values as each layer lands.
func (s *Scheduler) mergeBaseEnv(inst *plan.Instance) (map[string]string, error) {
	merged := make(map[string]string, len(s.cfg.AmbientEnv))
	for k, v := range s.cfg.AmbientEnv {
		merged[k] = v
	}
	env := s.newEnv(inst, scopeNeeds, merged)
	for _, layer := range []map[string]string{s.wf.Env, inst.Job.Env} {
		for _, k := range sortedKeys(layer) {
			resolved, err := expr.Interpolate(layer[k], env)
			if err != nil {
				return nil, fmt.Errorf("interpolating env.%s: %w", k, err)
			}
			merged[k] = resolved
		}
	}
	return merged, nil
}

func (s *Scheduler) newEnv(inst *plan.Instance, scope aggregateScope, vars map[string]string) *instanceEnv {
	return &instanceEnv{
		run:     s.run,
		plan:    s.plan,
		inst:    inst,
		secrets: s.secrets,
		vars:    vars,
		scope:   scope,
	}
}

func jobImage(job *workflow.Job) string {
	if job.Container != nil {
		return job.Container.Image
	}
	return ""
}

func maxParallel(job *workflow.Job) int {
	if job.Strategy == nil {
		return 0
	}
	return job.Strategy.MaxParallel
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
