package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/gantry/internal/workflow"
)

func parseWorkflow(t *testing.T, doc string) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.Parse([]byte(doc))
	require.NoError(t, err)
	return wf
}

func TestBuildMatrixExpansion(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  test:
    strategy:
      matrix:
        go: ["1.21", "1.22"]
        os: [linux, darwin]
    steps:
      - run: go test ./...
`)
	p, err := Build(wf)
	require.NoError(t, err)

	instances := p.Instances()
	require.Len(t, instances, 4)
	// Cross-product in declaration order: the first dimension varies
	// slowest.
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	assert.Equal(t, []string{
		"test (go=1.21, os=linux)",
		"test (go=1.21, os=darwin)",
		"test (go=1.22, os=linux)",
		"test (go=1.22, os=darwin)",
	}, ids)

	first := instances[0]
	assert.Equal(t, "test", first.JobID)
	assert.Equal(t, "1.21", first.Matrix["go"].AsString())
	assert.Equal(t, "linux", first.Matrix["os"].AsString())
}

func TestBuildLinksEveryUpstreamInstance(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  build:
    strategy:
      matrix:
        os: [linux, darwin]
    steps:
      - run: make
  release:
    needs: build
    steps:
      - run: make release
`)
	p, err := Build(wf)
	require.NoError(t, err)

	release := p.Instance("release")
	require.NotNil(t, release)
	assert.ElementsMatch(t, []string{"build (os=linux)", "build (os=darwin)"}, release.Needs())
	assert.Equal(t, []string{"release"}, p.Dependents("build (os=linux)"))
}

func TestBuildErrors(t *testing.T) {
	t.Run("undeclared needs", func(t *testing.T) {
		wf := parseWorkflow(t, `
jobs:
  a:
    needs: ghost
    steps:
      - run: make
`)
		_, err := Build(wf)
		var graphErr *GraphError
		require.ErrorAs(t, err, &graphErr)
		assert.Contains(t, err.Error(), `undeclared job "ghost"`)
	})

	t.Run("cycle", func(t *testing.T) {
		wf := parseWorkflow(t, `
jobs:
  a:
    needs: b
    steps:
      - run: one
  b:
    needs: a
    steps:
      - run: two
`)
		_, err := Build(wf)
		var graphErr *GraphError
		require.ErrorAs(t, err, &graphErr)
		assert.Contains(t, err.Error(), "cycle")
	})
}

func TestReady(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  a:
    steps:
      - run: one
  b:
    needs: a
    steps:
      - run: two
  c:
    needs: [a, b]
    steps:
      - run: three
`)
	p, err := Build(wf)
	require.NoError(t, err)

	completed := map[string]struct{}{}
	ready := p.Ready(completed)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	// Terminal means completed for readiness, regardless of result.
	completed["a"] = struct{}{}
	ready = p.Ready(completed)
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)

	completed["b"] = struct{}{}
	ready = p.Ready(completed)
	require.Len(t, ready, 1)
	assert.Equal(t, "c", ready[0].ID)

	completed["c"] = struct{}{}
	assert.Empty(t, p.Ready(completed))
}
