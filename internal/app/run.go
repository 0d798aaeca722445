package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vk/gantry/internal/ctxlog"
	"github.com/vk/gantry/internal/plan"
	"github.com/vk/gantry/internal/report"
	"github.com/vk/gantry/internal/runctx"
	"github.com/vk/gantry/internal/scheduler"
	"github.com/vk/gantry/internal/steprunner"
	"github.com/vk/gantry/internal/workflow"
)

// ErrRunFailed reports that at least one workflow run ended in Failure or
// Cancelled. The run context holds the details; the caller only needs the
// non-zero exit.
var ErrRunFailed = errors.New("run failed")

// Run executes the configured workflows sequentially and reports each
// result. It returns ErrRunFailed when any run did not succeed.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	log := a.logger

	if a.config.HealthcheckPort > 0 {
		a.startHealthcheckServer(ctx)
		defer a.closeHealthcheckServer(ctx)
	}

	loader := &workflow.Loader{Token: a.config.Token}
	workflows, err := loader.Load(ctx, a.config.Sources...)
	if err != nil {
		return fmt.Errorf("loading workflows: %w", err)
	}
	log.Info("Workflows loaded.", "count", len(workflows))

	if err := a.lintAll(workflows); err != nil {
		return err
	}
	if a.config.ValidateOnly {
		log.Info("Validation passed.", "workflows", len(workflows))
		return nil
	}

	exitCode := 0
	for _, wf := range workflows {
		summary, err := a.executeWorkflow(ctx, wf)
		if err != nil {
			return err
		}
		if err := report.Render(a.outW, summary); err != nil {
			return err
		}
		if code := report.ExitCode(summary); code != 0 {
			exitCode = code
		}
		if run := a.currentRun(); run != nil && run.Aborted() {
			log.Warn("Run aborted, skipping remaining workflows.")
			break
		}
	}
	if exitCode != 0 {
		return ErrRunFailed
	}
	return nil
}

// lintAll logs warnings and fails on lint errors before anything executes.
func (a *App) lintAll(workflows []*workflow.Workflow) error {
	hadErrors := false
	for _, wf := range workflows {
		for _, problem := range workflow.Lint(wf) {
			if problem.Severity == workflow.SeverityError {
				hadErrors = true
				a.logger.Error("Workflow invalid.", "workflow", wf.Name, "problem", problem.String())
			} else {
				a.logger.Warn("Workflow lint finding.", "workflow", wf.Name, "problem", problem.String())
			}
		}
	}
	if hadErrors {
		return errors.New("workflow validation failed")
	}
	return nil
}

// executeWorkflow plans and schedules one workflow and persists its
// summary.
func (a *App) executeWorkflow(ctx context.Context, wf *workflow.Workflow) (*runctx.Summary, error) {
	log := a.logger.With("workflow", wf.Name)

	p, err := plan.Build(wf)
	if err != nil {
		return nil, fmt.Errorf("building execution plan: %w", err)
	}
	log.Info("Execution plan built.", "instances", len(p.Instances()))

	run := runctx.New(wf.Name)
	for _, inst := range p.Instances() {
		labels := make([]string, len(inst.Job.Steps))
		for i, step := range inst.Job.Steps {
			labels[i] = step.Label()
		}
		run.AddInstance(inst.ID, inst.JobID, labels)
	}
	for _, name := range a.resolver.Names() {
		if value, err := a.resolver.Resolve(name); err == nil {
			run.RegisterSecret(value)
		}
	}
	a.setCurrentRun(run)

	runner := &steprunner.Runner{Sandbox: a.sandbox, Artifacts: a.artifacts, State: run}
	sched := scheduler.New(wf, p, run, runner, a.resolver, scheduler.Config{
		Workers:        a.config.Workers,
		FailFast:       a.config.FailFast,
		DefaultTimeout: time.Duration(a.config.TimeoutMinutes) * time.Minute,
		WorkingDir:     a.config.WorkingDir,
		AmbientEnv:     a.ambientEnv(os.Environ()),
	})

	log.Info("Run starting.", "run_id", run.ID)
	if err := sched.Execute(ctx); err != nil {
		return nil, fmt.Errorf("executing run %s: %w", run.ID, err)
	}

	summary := run.Summary()
	// Persist even when the run was aborted; the save must not inherit the
	// cancelled context.
	if err := a.store.Save(context.WithoutCancel(ctx), summary); err != nil {
		log.Error("Failed to persist run summary.", "run_id", run.ID, "error", err)
	}
	log.Info("Run finished.", "run_id", run.ID, "status", summary.Status)
	return summary, nil
}
