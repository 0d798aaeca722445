package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/gantry/internal/runctx"
)

func sampleSummary() *runctx.Summary {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return &runctx.Summary{
		RunID:        "run-1",
		WorkflowName: "pipeline",
		Status:       runctx.StatusFailure,
		Instances: []*runctx.InstanceState{
			{
				ID:         "build",
				JobID:      "build",
				Status:     runctx.StatusSuccess,
				StartedAt:  start,
				FinishedAt: start.Add(1500 * time.Millisecond),
				Steps: []*runctx.StepState{
					{
						Label:      "compile",
						Outcome:    runctx.StatusSuccess,
						Conclusion: runctx.StatusSuccess,
						StartedAt:  start,
						FinishedAt: start.Add(1200 * time.Millisecond),
					},
				},
			},
			{
				ID:     "test",
				JobID:  "test",
				Status: runctx.StatusFailure,
				Error:  `step "verify": exit code 2`,
				Steps: []*runctx.StepState{
					{Label: "verify", Outcome: runctx.StatusFailure, Conclusion: runctx.StatusFailure, Error: "exit code 2"},
				},
			},
		},
	}
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleSummary()))
	out := buf.String()

	assert.Contains(t, out, "Run run-1 (pipeline): failure")
	assert.Contains(t, out, "INSTANCE")
	assert.Contains(t, out, "build")
	assert.Contains(t, out, "compile")
	assert.Contains(t, out, "1.2s")
	assert.Contains(t, out, `step "verify": exit code 2`)
	// Instances with no timestamps render a placeholder duration.
	assert.Contains(t, out, "-")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		status runctx.Status
		want   int
	}{
		{runctx.StatusSuccess, 0},
		{runctx.StatusFailure, 1},
		{runctx.StatusCancelled, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(&runctx.Summary{Status: tt.status}))
		})
	}
}
