package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHCL = `
workflow "ci" {
  env = {
    REGION = "eu-west-1"
  }

  job "build" {
    runs_on = "ubuntu-latest"

    step {
      id  = "compile"
      run = "make build"
    }
    step {
      run               = "make package"
      continue_on_error = true
    }
  }

  job "test" {
    needs = ["build"]

    strategy {
      matrix = {
        go = ["1.21", "1.22"]
        os = ["linux", "darwin"]
      }
      fail_fast = false
    }

    step {
      run             = "go test ./..."
      timeout_minutes = 5
    }
  }

  job "deploy" {
    needs = ["build", "test"]
    if    = "needs.test.result == 'success'"

    concurrency {
      group              = "production"
      cancel_in_progress = true
    }

    step {
      uses = "artifact/download@v1"
      with = {
        name = "bundle"
        path = "out/bundle.tar"
      }
    }
  }
}
`

func TestParseHCL(t *testing.T) {
	fromYAML, err := Parse([]byte(sampleWorkflow))
	require.NoError(t, err)
	fromHCL, err := ParseHCL("ci.hcl", []byte(sampleHCL))
	require.NoError(t, err)

	assert.Equal(t, fromYAML.Name, fromHCL.Name)
	assert.Equal(t, fromYAML.Env, fromHCL.Env)
	assert.Equal(t, fromYAML.JobOrder(), fromHCL.JobOrder())

	for _, id := range fromYAML.JobOrder() {
		yj, hj := fromYAML.Jobs[id], fromHCL.Jobs[id]
		require.NotNil(t, hj, "job %s missing from HCL form", id)
		assert.Equal(t, []string(yj.Needs), []string(hj.Needs), id)
		assert.Equal(t, yj.If, hj.If, id)
		assert.Equal(t, yj.RunsOn, hj.RunsOn, id)
		require.Equal(t, len(yj.Steps), len(hj.Steps), id)
		for i := range yj.Steps {
			assert.Equal(t, yj.Steps[i].Run, hj.Steps[i].Run)
			assert.Equal(t, yj.Steps[i].Uses, hj.Steps[i].Uses)
			assert.Equal(t, yj.Steps[i].With, hj.Steps[i].With)
			assert.Equal(t, yj.Steps[i].ContinueOnError, hj.Steps[i].ContinueOnError)
			assert.Equal(t, yj.Steps[i].TimeoutMinutes, hj.Steps[i].TimeoutMinutes)
		}
	}

	test := fromHCL.Jobs["test"]
	require.NotNil(t, test.Strategy)
	assert.Equal(t, []string{"go", "os"}, test.Strategy.Matrix.Keys)
	assert.Equal(t, []any{"1.21", "1.22"}, test.Strategy.Matrix.Values["go"])
	assert.False(t, test.Strategy.FailFastEnabled())

	deploy := fromHCL.Jobs["deploy"]
	require.NotNil(t, deploy.Concurrency)
	assert.Equal(t, "production", deploy.Concurrency.Group)
	assert.True(t, deploy.Concurrency.CancelInProgress)
}

func TestParseHCLErrors(t *testing.T) {
	t.Run("zero workflow blocks", func(t *testing.T) {
		_, err := ParseHCL("empty.hcl", []byte(""))
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Contains(t, err.Error(), "exactly one workflow block")
	})

	t.Run("duplicate job ids", func(t *testing.T) {
		src := `
workflow "dup" {
  job "a" {
    step { run = "one" }
  }
  job "a" {
    step { run = "two" }
  }
}
`
		_, err := ParseHCL("dup.hcl", []byte(src))
		require.ErrorContains(t, err, "duplicate job id")
	})

	t.Run("validation applies to the translated model", func(t *testing.T) {
		src := `
workflow "bad" {
  job "a" {
    step {
      run  = "make"
      uses = "artifact/upload@v1"
    }
  }
}
`
		_, err := ParseHCL("bad.hcl", []byte(src))
		require.ErrorContains(t, err, `both "run" and "uses"`)
	})
}
