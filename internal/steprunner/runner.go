package steprunner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/gantry/internal/artifact"
	"github.com/vk/gantry/internal/ctxlog"
	"github.com/vk/gantry/internal/expr"
	"github.com/vk/gantry/internal/runctx"
	"github.com/vk/gantry/internal/sandbox"
	"github.com/vk/gantry/internal/workflow"
)

// ErrTimeout marks failures caused by a step exceeding its time budget.
// Callers distinguish it from ordinary failures with errors.Is.
var ErrTimeout = errors.New("step timed out")

// Task carries everything the runner needs to execute one step of one job
// instance.
type Task struct {
	InstanceID string
	Index      int
	Step       *workflow.Step

	// BaseEnv is the merged ambient+workflow+job environment. The runner
	// layers the step's own env on top.
	BaseEnv map[string]string

	// Env evaluates expressions in the instance's context. The runner
	// overlays the final process environment onto its "env" namespace.
	Env expr.Env

	WorkingDir string
	Image      string

	// JobTimeout and RunTimeout bound the step when it declares no timeout
	// of its own; the step's wins, then the job's, then the run's.
	JobTimeout time.Duration
	RunTimeout time.Duration
}

// Result is the outcome of a single step. Outcome records what actually
// happened; Conclusion is what the rest of the run sees, which differs
// only when continue-on-error masks a failure.
type Result struct {
	Outcome    runctx.Status
	Conclusion runctx.Status
	Outputs    map[string]string
	Err        error
}

// Runner executes steps against a sandbox and records progress in the run
// context.
type Runner struct {
	Sandbox   sandbox.Sandbox
	Artifacts artifact.Store
	State     *runctx.Run
}

// Run executes one step. It never returns an error for step failures —
// those land in Result — only panics on programmer errors like an unknown
// instance id are possible.
func (r *Runner) Run(ctx context.Context, task *Task) *Result {
	log := ctxlog.FromContext(ctx).With("instance", task.InstanceID, "step", task.Step.Label())

	// The step's own env may contain expressions; they see the base env.
	procEnv, err := r.mergeEnv(task)
	if err != nil {
		return r.finish(task, failed(err))
	}
	env := overlayEnv{base: task.Env, env: procEnv}

	// A condition that never calls a status function still carries the
	// implicit success() check over the steps run so far.
	condition := task.Step.If
	if condition == "" {
		condition = "success()"
	} else if !expr.ReferencesStatus(condition) && !env.Aggregate().Success() {
		log.Info("Skipping step.", "condition", condition, "reason", "an earlier step failed")
		return r.finish(task, &Result{Outcome: runctx.StatusSkipped, Conclusion: runctx.StatusSkipped})
	}
	ok, err := expr.EvaluateCondition(condition, env)
	if err != nil {
		return r.finish(task, failed(fmt.Errorf("evaluating step condition: %w", err)))
	}
	if !ok {
		log.Info("Skipping step.", "condition", condition)
		return r.finish(task, &Result{Outcome: runctx.StatusSkipped, Conclusion: runctx.StatusSkipped})
	}

	if err := r.State.StartStep(task.InstanceID, task.Index); err != nil {
		return r.finish(task, failed(err))
	}

	var res *Result
	if task.Step.Uses != "" {
		res = r.runAction(ctx, task, env)
	} else {
		res = r.runCommand(ctx, log, task, env, procEnv)
	}

	if res.Outcome == runctx.StatusFailure && task.Step.ContinueOnError {
		res.Conclusion = runctx.StatusSuccess
	}
	return r.finish(task, res)
}

// runCommand dispatches a "run" step to the sandbox, retrying failed
// attempts when the step asks for it.
func (r *Runner) runCommand(ctx context.Context, log *slog.Logger, task *Task, env expr.Env, procEnv map[string]string) *Result {
	command, err := expr.Interpolate(task.Step.Run, env)
	if err != nil {
		return failed(fmt.Errorf("interpolating run command: %w", err))
	}

	spec := sandbox.Spec{
		Command:    command,
		Env:        procEnv,
		WorkingDir: task.WorkingDir,
		Image:      task.Image,
	}

	attempts := task.Step.Retries + 1
	var res *Result
	for attempt := 1; attempt <= attempts; attempt++ {
		res = r.attempt(ctx, task, spec)
		if res.Outcome == runctx.StatusSuccess || res.Outcome == runctx.StatusCancelled {
			return res
		}
		if errors.Is(res.Err, ErrTimeout) {
			return res
		}
		if attempt < attempts {
			log.Warn("Step failed, retrying.", "attempt", attempt, "of", attempts, "error", res.Err)
		}
	}
	return res
}

// attempt is a single sandbox execution with output scanning and the
// timeout chain applied.
func (r *Runner) attempt(ctx context.Context, task *Task, spec sandbox.Spec) *Result {
	timeout := effectiveTimeout(task)
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
		defer cancel()
	}

	handle, err := r.Sandbox.Execute(runCtx, spec)
	if err != nil {
		return failed(fmt.Errorf("starting step: %w", err))
	}

	outputs := make(map[string]string)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.scanStdout(task, handle.Stdout(), outputs)
	}()
	go func() {
		defer wg.Done()
		r.scanStderr(task, handle.Stderr())
	}()
	wg.Wait()

	exitCode, err := handle.Wait()
	switch {
	case err == nil && exitCode == 0:
		return &Result{Outcome: runctx.StatusSuccess, Conclusion: runctx.StatusSuccess, Outputs: outputs}
	case errors.Is(context.Cause(runCtx), ErrTimeout):
		res := failed(fmt.Errorf("%w after %s", ErrTimeout, timeout))
		res.Outputs = outputs
		return res
	case runCtx.Err() != nil:
		return &Result{Outcome: runctx.StatusCancelled, Conclusion: runctx.StatusCancelled, Outputs: outputs, Err: runCtx.Err()}
	case err != nil:
		res := failed(err)
		res.Outputs = outputs
		return res
	default:
		res := failed(fmt.Errorf("exit code %d", exitCode))
		res.Outputs = outputs
		return res
	}
}

// runAction handles "uses" steps. Artifact transfer and checkout are the
// built-in actions; anything else is an error.
func (r *Runner) runAction(ctx context.Context, task *Task, env expr.Env) *Result {
	with := make(map[string]string, len(task.Step.With))
	for k, v := range task.Step.With {
		resolved, err := expr.Interpolate(v, env)
		if err != nil {
			return failed(fmt.Errorf("interpolating with.%s: %w", k, err))
		}
		with[k] = resolved
	}

	action, _, _ := cutVersion(task.Step.Uses)
	switch action {
	case "artifact/upload":
		if err := r.Artifacts.Upload(ctx, with["name"], with["path"]); err != nil {
			return failed(err)
		}
	case "artifact/download":
		if err := r.Artifacts.Download(ctx, with["name"], with["path"]); err != nil {
			return failed(err)
		}
	case "actions/checkout", "checkout":
		// Sources are assumed present in the working directory.
		r.State.AppendStepLog(task.InstanceID, task.Index, "checkout: using existing working directory")
	default:
		return failed(fmt.Errorf("unknown action %q", task.Step.Uses))
	}
	return &Result{Outcome: runctx.StatusSuccess, Conclusion: runctx.StatusSuccess}
}

// scanStdout appends output lines to the step log and intercepts workflow
// commands. Later set-output writes for the same name win.
func (r *Runner) scanStdout(task *Task, stdout io.Reader, outputs map[string]string) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch cmd := parseCommand(line); cmd.kind {
		case commandSetOutput:
			outputs[cmd.name] = cmd.value
		case commandAddMask:
			r.State.RegisterSecret(cmd.value)
		default:
			r.State.AppendStepLog(task.InstanceID, task.Index, line)
		}
	}
}

func (r *Runner) scanStderr(task *Task, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.State.AppendStepLog(task.InstanceID, task.Index, scanner.Text())
	}
}

// finish records the step's terminal state and returns the result.
func (r *Runner) finish(task *Task, res *Result) *Result {
	detail := ""
	if res.Err != nil {
		detail = res.Err.Error()
	}
	_ = r.State.FinishStep(task.InstanceID, task.Index, res.Outcome, res.Conclusion, res.Outputs, detail)
	return res
}

// mergeEnv layers the step's env (expressions resolved against the base
// env) on top of the base environment.
func (r *Runner) mergeEnv(task *Task) (map[string]string, error) {
	merged := make(map[string]string, len(task.BaseEnv)+len(task.Step.Env))
	for k, v := range task.BaseEnv {
		merged[k] = v
	}
	base := overlayEnv{base: task.Env, env: task.BaseEnv}
	for k, v := range task.Step.Env {
		resolved, err := expr.Interpolate(v, base)
		if err != nil {
			return nil, fmt.Errorf("interpolating env.%s: %w", k, err)
		}
		merged[k] = resolved
	}
	return merged, nil
}

func effectiveTimeout(task *Task) time.Duration {
	if d := task.Step.Timeout(); d > 0 {
		return d
	}
	if task.JobTimeout > 0 {
		return task.JobTimeout
	}
	return task.RunTimeout
}

func failed(err error) *Result {
	return &Result{Outcome: runctx.StatusFailure, Conclusion: runctx.StatusFailure, Err: err}
}

// cutVersion splits "artifact/upload@v1" into action and version.
func cutVersion(uses string) (action, version string, ok bool) {
	if i := strings.LastIndexByte(uses, '@'); i >= 0 {
		return uses[:i], uses[i+1:], true
	}
	return uses, "", false
}

// overlayEnv substitutes the final process environment for the "env"
// namespace while delegating everything else.
type overlayEnv struct {
	base expr.Env
	env  map[string]string
}

func (o overlayEnv) Lookup(path []string) (cty.Value, error) {
	if path[0] == "env" {
		if len(path) == 2 {
			if v, ok := o.env[path[1]]; ok {
				return cty.StringVal(v), nil
			}
			return cty.StringVal(""), nil
		}
		return o.base.Lookup(path)
	}
	return o.base.Lookup(path)
}

func (o overlayEnv) Aggregate() expr.Aggregate {
	return o.base.Aggregate()
}
