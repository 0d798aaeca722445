package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLint(t *testing.T) {
	t.Run("clean workflow has no findings", func(t *testing.T) {
		wf, err := Parse([]byte(sampleWorkflow))
		require.NoError(t, err)
		assert.Empty(t, Lint(wf))
	})

	t.Run("undefined needs is an error", func(t *testing.T) {
		wf, err := Parse([]byte(`
jobs:
  a:
    needs: ghost
    steps:
      - run: make
`))
		require.NoError(t, err)

		problems := Lint(wf)
		require.Len(t, problems, 1)
		assert.Equal(t, SeverityError, problems[0].Severity)
		assert.Contains(t, problems[0].Msg, `undefined job "ghost"`)
	})

	t.Run("duplicate job names warn", func(t *testing.T) {
		wf, err := Parse([]byte(`
jobs:
  a:
    name: Build
    steps:
      - run: make
  b:
    name: Build
    steps:
      - run: make
`))
		require.NoError(t, err)

		problems := Lint(wf)
		require.Len(t, problems, 1)
		assert.Equal(t, SeverityWarning, problems[0].Severity)
	})

	t.Run("env shadowing warns", func(t *testing.T) {
		wf, err := Parse([]byte(`
env:
  REGION: eu
jobs:
  a:
    env:
      REGION: us
    steps:
      - run: make
`))
		require.NoError(t, err)

		problems := Lint(wf)
		require.Len(t, problems, 1)
		assert.Contains(t, problems[0].Msg, "shadows")
	})

	t.Run("undeclared step reference warns", func(t *testing.T) {
		wf, err := Parse([]byte(`
jobs:
  a:
    steps:
      - id: first
        run: make
      - run: echo ${{ steps.missing.outputs.x }}
`))
		require.NoError(t, err)

		problems := Lint(wf)
		require.Len(t, problems, 1)
		assert.Equal(t, SeverityWarning, problems[0].Severity)
		assert.Contains(t, problems[0].Msg, `"missing"`)
	})
}
