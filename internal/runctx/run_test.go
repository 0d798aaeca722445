package runctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRun() *Run {
	run := New("ci")
	run.AddInstance("build", "build", []string{"compile", "package"})
	run.AddInstance("deploy", "deploy", []string{"ship"})
	return run
}

func TestStatusMonotonic(t *testing.T) {
	run := newTestRun()

	require.NoError(t, run.SetInstanceStatus("build", StatusRunning))
	require.NoError(t, run.SetInstanceStatus("build", StatusSuccess))

	t.Run("terminal never reverts", func(t *testing.T) {
		err := run.SetInstanceStatus("build", StatusRunning)
		var transErr *TransitionError
		require.ErrorAs(t, err, &transErr)
		assert.Equal(t, StatusSuccess, transErr.From)

		require.Error(t, run.SetInstanceStatus("build", StatusFailure))
		assert.Equal(t, StatusSuccess, run.InstanceStatus("build"))
	})

	t.Run("pending may skip straight to terminal", func(t *testing.T) {
		require.NoError(t, run.SetInstanceStatus("deploy", StatusSkipped))
		require.Error(t, run.SetInstanceStatus("deploy", StatusRunning))
	})

	t.Run("unknown instance errors", func(t *testing.T) {
		require.Error(t, run.SetInstanceStatus("ghost", StatusRunning))
	})
}

func TestStepTransitions(t *testing.T) {
	run := newTestRun()

	require.NoError(t, run.StartStep("build", 0))
	require.NoError(t, run.FinishStep("build", 0, StatusSuccess, StatusSuccess,
		map[string]string{"version": "42"}, ""))

	t.Run("finished step never restarts", func(t *testing.T) {
		require.Error(t, run.StartStep("build", 0))
	})

	t.Run("pending step may be skipped directly", func(t *testing.T) {
		require.NoError(t, run.FinishStep("build", 1, StatusSkipped, StatusSkipped, nil, ""))
	})

	t.Run("outputs merge across steps, later wins", func(t *testing.T) {
		run := newTestRun()
		require.NoError(t, run.FinishStep("build", 0, StatusSuccess, StatusSuccess,
			map[string]string{"version": "1", "sha": "abc"}, ""))
		require.NoError(t, run.FinishStep("build", 1, StatusSuccess, StatusSuccess,
			map[string]string{"version": "2"}, ""))

		inst := run.Instance("build")
		require.NotNil(t, inst)
		assert.Equal(t, map[string]string{"version": "2", "sha": "abc"}, inst.Outputs())
	})

	t.Run("out of range step index errors", func(t *testing.T) {
		require.Error(t, run.StartStep("build", 9))
	})
}

func TestRedaction(t *testing.T) {
	run := newTestRun()
	run.RegisterSecret("hunter2")
	run.RegisterSecret("") // must be ignored

	require.NoError(t, run.StartStep("build", 0))
	run.AppendStepLog("build", 0, "logging in with hunter2 twice: hunter2")
	require.NoError(t, run.FinishStep("build", 0, StatusFailure, StatusFailure, nil,
		"auth failed for password hunter2"))
	run.SetInstanceError("build", "step failed: hunter2 rejected")

	inst := run.Instance("build")
	require.NotNil(t, inst)
	assert.Equal(t, []string{"logging in with *** twice: ***"}, inst.Steps[0].Log)
	assert.Equal(t, "auth failed for password ***", inst.Steps[0].Error)
	assert.Equal(t, "step failed: *** rejected", inst.Error)
}

func TestRedactionOfLaterRegisteredSecret(t *testing.T) {
	run := newTestRun()
	run.RegisterSecret("first")

	require.NoError(t, run.StartStep("build", 0))
	// A mask added mid-step applies to lines stored after it.
	run.RegisterSecret("second")
	run.AppendStepLog("build", 0, "first and second")

	inst := run.Instance("build")
	assert.Equal(t, []string{"*** and ***"}, inst.Steps[0].Log)
}

func TestSummary(t *testing.T) {
	t.Run("success when every instance succeeds", func(t *testing.T) {
		run := newTestRun()
		require.NoError(t, run.SetInstanceStatus("build", StatusSuccess))
		require.NoError(t, run.SetInstanceStatus("deploy", StatusSuccess))

		s := run.Summary()
		assert.Equal(t, StatusSuccess, s.Status)
		assert.False(t, s.Failed())
		require.Len(t, s.Instances, 2)
		assert.Equal(t, "build", s.Instances[0].ID)
	})

	t.Run("failure if any instance failed", func(t *testing.T) {
		run := newTestRun()
		require.NoError(t, run.SetInstanceStatus("build", StatusFailure))
		require.NoError(t, run.SetInstanceStatus("deploy", StatusSkipped))

		s := run.Summary()
		assert.Equal(t, StatusFailure, s.Status)
		assert.True(t, s.Failed())
	})

	t.Run("cancelled wins only for aborted runs", func(t *testing.T) {
		run := newTestRun()
		require.NoError(t, run.SetInstanceStatus("build", StatusFailure))
		require.NoError(t, run.SetInstanceStatus("deploy", StatusCancelled))
		run.MarkAborted()

		s := run.Summary()
		assert.Equal(t, StatusCancelled, s.Status)
	})

	t.Run("cancelled instances without abort keep failure", func(t *testing.T) {
		run := newTestRun()
		require.NoError(t, run.SetInstanceStatus("build", StatusFailure))
		require.NoError(t, run.SetInstanceStatus("deploy", StatusCancelled))

		s := run.Summary()
		assert.Equal(t, StatusFailure, s.Status)
	})

	t.Run("snapshot is isolated from later writes", func(t *testing.T) {
		run := newTestRun()
		require.NoError(t, run.SetInstanceStatus("build", StatusRunning))
		s := run.Summary()
		require.NoError(t, run.SetInstanceStatus("build", StatusSuccess))
		assert.Equal(t, StatusRunning, s.Instances[0].Status)
	})
}
