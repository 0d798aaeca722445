package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/vk/gantry/internal/artifact"
	"github.com/vk/gantry/internal/plan"
	"github.com/vk/gantry/internal/runctx"
	"github.com/vk/gantry/internal/secrets"
	"github.com/vk/gantry/internal/steprunner"
	"github.com/vk/gantry/internal/testutil"
	"github.com/vk/gantry/internal/workflow"
)

type harness struct {
	wf    *workflow.Workflow
	plan  *plan.Plan
	run   *runctx.Run
	fake  *testutil.FakeSandbox
	sched *Scheduler
}

func newHarness(t *testing.T, src string, cfg Config, responses ...testutil.Response) *harness {
	t.Helper()

	wf, err := workflow.Parse([]byte(src))
	require.NoError(t, err)
	p, err := plan.Build(wf)
	require.NoError(t, err)

	run := runctx.New(wf.Name)
	for _, inst := range p.Instances() {
		labels := make([]string, len(inst.Job.Steps))
		for i, s := range inst.Job.Steps {
			labels[i] = s.Label()
		}
		run.AddInstance(inst.ID, inst.JobID, labels)
	}

	fake := testutil.NewFakeSandbox(responses...)
	runner := &steprunner.Runner{
		Sandbox:   fake,
		Artifacts: artifact.NewBlobStore(memblob.OpenBucket(nil)),
		State:     run,
	}
	resolver := secrets.NewStaticResolver(map[string]string{"TOKEN": "tok-123"})

	return &harness{
		wf:    wf,
		plan:  p,
		run:   run,
		fake:  fake,
		sched: New(wf, p, run, runner, resolver, cfg),
	}
}

func (h *harness) execute(t *testing.T, ctx context.Context) *runctx.Summary {
	t.Helper()
	require.NoError(t, h.sched.Execute(ctx))
	return h.run.Summary()
}

func (h *harness) status(id string) runctx.Status {
	return h.run.InstanceStatus(id)
}

func TestExecuteOrdering(t *testing.T) {
	ctx := context.Background()

	t.Run("dependents run after their needs complete", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  build:
    steps:
      - run: compile
  test:
    needs: build
    steps:
      - run: verify
`, Config{})

		summary := h.execute(t, ctx)
		assert.Equal(t, runctx.StatusSuccess, summary.Status)
		assert.Equal(t, []string{"compile", "verify"}, h.fake.Commands())
	})

	t.Run("failed dependency skips dependents", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  build:
    steps:
      - run: compile
  test:
    needs: build
    steps:
      - run: verify
`, Config{}, testutil.Response{Match: "compile", ExitCode: 1})

		summary := h.execute(t, ctx)
		assert.Equal(t, runctx.StatusFailure, summary.Status)
		assert.Equal(t, runctx.StatusFailure, h.status("build"))
		assert.Equal(t, runctx.StatusSkipped, h.status("test"))
		// The skipped instance's steps never reach the sandbox.
		assert.Equal(t, []string{"compile"}, h.fake.Commands())
	})

	t.Run("plain condition still skips on a failed dependency", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  build:
    steps:
      - run: compile
  deploy:
    needs: build
    if: env.DEPLOY == '1'
    steps:
      - run: ship
`, Config{AmbientEnv: map[string]string{"DEPLOY": "1"}},
			testutil.Response{Match: "compile", ExitCode: 1})

		summary := h.execute(t, ctx)
		assert.Equal(t, runctx.StatusFailure, summary.Status)
		// The condition is true on its own terms, but it never consults a
		// status function, so the implicit success() check still applies.
		assert.Equal(t, runctx.StatusSkipped, h.status("deploy"))
		assert.NotContains(t, h.fake.Commands(), "ship")
	})

	t.Run("always runs after an upstream failure", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  build:
    steps:
      - run: compile
  cleanup:
    needs: build
    if: always()
    steps:
      - run: sweep
`, Config{}, testutil.Response{Match: "compile", ExitCode: 1})

		summary := h.execute(t, ctx)
		assert.Equal(t, runctx.StatusFailure, summary.Status)
		assert.Equal(t, runctx.StatusSuccess, h.status("cleanup"))
	})

	t.Run("failure guard runs only when something failed", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  build:
    steps:
      - run: compile
  alert:
    needs: build
    if: failure()
    steps:
      - run: notify
`, Config{})

		summary := h.execute(t, ctx)
		assert.Equal(t, runctx.StatusSuccess, summary.Status)
		assert.Equal(t, runctx.StatusSkipped, h.status("alert"))
		assert.NotContains(t, h.fake.Commands(), "notify")
	})

	t.Run("continue-on-error job failure does not cascade", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  canary:
    continue-on-error: true
    steps:
      - run: smoke
  deploy:
    needs: canary
    steps:
      - run: ship
`, Config{FailFast: true}, testutil.Response{Match: "smoke", ExitCode: 1})

		summary := h.execute(t, ctx)
		assert.Equal(t, runctx.StatusFailure, summary.Status)
		assert.Equal(t, runctx.StatusFailure, h.status("canary"))
		// The dependent still runs: the canary's failure is exempt from its
		// success() aggregate, and fail-fast ignores it too.
		assert.Equal(t, runctx.StatusSuccess, h.status("deploy"))
	})
}

func TestExecuteOutputs(t *testing.T) {
	ctx := context.Background()

	t.Run("needs outputs flow into downstream commands", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  build:
    steps:
      - run: compile
  deploy:
    needs: build
    steps:
      - run: deploy ${{ needs.build.outputs.sha }}
`, Config{}, testutil.Response{Match: "compile", Stdout: "::set-output name=sha::abc123\n"})

		summary := h.execute(t, ctx)
		assert.Equal(t, runctx.StatusSuccess, summary.Status)
		assert.Equal(t, []string{"compile", "deploy abc123"}, h.fake.Commands())
	})

	t.Run("secrets interpolate into commands", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  deploy:
    steps:
      - run: push --token ${{ secrets.TOKEN }}
`, Config{})

		summary := h.execute(t, ctx)
		assert.Equal(t, runctx.StatusSuccess, summary.Status)
		assert.Equal(t, []string{"push --token tok-123"}, h.fake.Commands())
	})

	t.Run("env layers interpolate workflow then job over ambient", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
env:
  STAGE: ${{ env.REGION }}-staging
jobs:
  deploy:
    env:
      TARGET: ${{ env.STAGE }}/app
    steps:
      - run: deploy ${{ env.TARGET }}
`, Config{AmbientEnv: map[string]string{"REGION": "eu"}})

		summary := h.execute(t, ctx)
		assert.Equal(t, runctx.StatusSuccess, summary.Status)
		assert.Equal(t, []string{"deploy eu-staging/app"}, h.fake.Commands())

		executed := h.fake.Executed()
		require.Len(t, executed, 1)
		assert.Equal(t, "eu-staging/app", executed[0].Env["TARGET"])
		assert.Equal(t, "eu", executed[0].Env["REGION"])
	})
}

func TestExecuteMatrix(t *testing.T) {
	ctx := context.Background()

	t.Run("expands the cross product", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  test:
    strategy:
      matrix:
        os: [linux, darwin]
        go: ["1.21", "1.22"]
    steps:
      - run: test ${{ matrix.os }}/${{ matrix.go }}
`, Config{})

		summary := h.execute(t, ctx)
		assert.Equal(t, runctx.StatusSuccess, summary.Status)
		assert.ElementsMatch(t, []string{
			"test linux/1.21",
			"test linux/1.22",
			"test darwin/1.21",
			"test darwin/1.22",
		}, h.fake.Commands())
		assert.Len(t, summary.Instances, 4)
	})

	t.Run("fail-fast cancels running siblings", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  test:
    strategy:
      matrix:
        os: [linux, darwin]
    steps:
      - run: test ${{ matrix.os }}
`, Config{},
			testutil.Response{Match: "linux", ExitCode: 1},
			testutil.Response{Match: "darwin", Delay: 10 * time.Second},
		)

		summary := h.execute(t, ctx)
		assert.Equal(t, runctx.StatusFailure, summary.Status)
		assert.Equal(t, runctx.StatusFailure, h.status("test (os=linux)"))
		assert.Equal(t, runctx.StatusCancelled, h.status("test (os=darwin)"))
	})

	t.Run("fail-fast false lets siblings finish", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  test:
    strategy:
      fail-fast: false
      matrix:
        os: [linux, darwin]
    steps:
      - run: test ${{ matrix.os }}
`, Config{}, testutil.Response{Match: "linux", ExitCode: 1})

		summary := h.execute(t, ctx)
		assert.Equal(t, runctx.StatusFailure, summary.Status)
		assert.Equal(t, runctx.StatusFailure, h.status("test (os=linux)"))
		assert.Equal(t, runctx.StatusSuccess, h.status("test (os=darwin)"))
	})
}

func TestExecuteCancellation(t *testing.T) {
	t.Run("run-level fail-fast cancels unrelated jobs", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  fast:
    steps:
      - run: crash
  slow:
    steps:
      - run: grind
`, Config{FailFast: true},
			testutil.Response{Match: "crash", ExitCode: 1},
			testutil.Response{Match: "grind", Delay: 10 * time.Second},
		)

		summary := h.execute(t, context.Background())
		assert.Equal(t, runctx.StatusFailure, summary.Status)
		assert.Equal(t, runctx.StatusCancelled, h.status("slow"))
	})

	t.Run("external cancellation aborts the run", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  long:
    steps:
      - run: grind
  after:
    needs: long
    steps:
      - run: publish
`, Config{}, testutil.Response{Match: "grind", Delay: 10 * time.Second})

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		summary := h.execute(t, ctx)
		assert.Equal(t, runctx.StatusCancelled, summary.Status)
		assert.Equal(t, runctx.StatusCancelled, h.status("long"))
		assert.Equal(t, runctx.StatusCancelled, h.status("after"))
		for _, inst := range summary.Instances {
			assert.True(t, inst.Status.Terminal(), "instance %s left non-terminal", inst.ID)
		}
	})

	t.Run("pre-cancelled context never reports success", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  only:
    steps:
      - run: work
`, Config{})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		// Every instance settles inline, so the loop exits without ever
		// blocking in select.
		summary := h.execute(t, ctx)
		assert.Equal(t, runctx.StatusCancelled, summary.Status)
		assert.Equal(t, runctx.StatusCancelled, h.status("only"))
		assert.Empty(t, h.fake.Commands())
	})

	t.Run("cancel-in-progress group supersedes the running holder", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  old:
    concurrency:
      group: deploy-prod
      cancel-in-progress: true
    steps:
      - run: deploy v1
  new:
    concurrency:
      group: deploy-prod
      cancel-in-progress: true
    steps:
      - run: deploy v2
`, Config{}, testutil.Response{Match: "deploy v1", Delay: 10 * time.Second})

		summary := h.execute(t, context.Background())
		assert.Equal(t, runctx.StatusSuccess, summary.Status)
		assert.Equal(t, runctx.StatusCancelled, h.status("old"))
		assert.Equal(t, runctx.StatusSuccess, h.status("new"))
	})

	t.Run("group without cancel-in-progress serializes", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  first:
    concurrency:
      group: deploy
      cancel-in-progress: false
    steps:
      - run: deploy a
  second:
    concurrency:
      group: deploy
      cancel-in-progress: false
    steps:
      - run: deploy b
`, Config{})

		summary := h.execute(t, context.Background())
		assert.Equal(t, runctx.StatusSuccess, summary.Status)
		assert.Equal(t, []string{"deploy a", "deploy b"}, h.fake.Commands())
	})
}

func TestExecuteWorkers(t *testing.T) {
	t.Run("worker cap bounds concurrency without losing work", func(t *testing.T) {
		h := newHarness(t, `
name: pipeline
jobs:
  test:
    strategy:
      matrix:
        n: [1, 2, 3, 4, 5]
    steps:
      - run: test ${{ matrix.n }}
`, Config{Workers: 2})

		summary := h.execute(t, context.Background())
		assert.Equal(t, runctx.StatusSuccess, summary.Status)
		assert.Len(t, h.fake.Commands(), 5)
	})
}
