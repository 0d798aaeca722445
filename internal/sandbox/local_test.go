package sandbox

import (
	"bufio"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExecute(t *testing.T) {
	ctx := context.Background()
	local := NewLocal()

	t.Run("captures stdout and stderr separately", func(t *testing.T) {
		handle, err := local.Execute(ctx, Spec{
			Command: "echo out; echo err >&2",
			Env:     map[string]string{"PATH": "/usr/bin:/bin"},
		})
		require.NoError(t, err)

		outLine, _, err := bufio.NewReader(handle.Stdout()).ReadLine()
		require.NoError(t, err)
		errLine, _, err := bufio.NewReader(handle.Stderr()).ReadLine()
		require.NoError(t, err)

		code, err := handle.Wait()
		require.NoError(t, err)
		assert.Equal(t, 0, code)
		assert.Equal(t, "out", string(outLine))
		assert.Equal(t, "err", string(errLine))
	})

	t.Run("environment is exactly the spec env", func(t *testing.T) {
		handle, err := local.Execute(ctx, Spec{
			Command: "echo $GREETING",
			Env:     map[string]string{"PATH": "/usr/bin:/bin", "GREETING": "hello"},
		})
		require.NoError(t, err)

		line, _, err := bufio.NewReader(handle.Stdout()).ReadLine()
		require.NoError(t, err)
		_, waitErr := handle.Wait()
		require.NoError(t, waitErr)
		assert.Equal(t, "hello", string(line))
	})

	t.Run("non-zero exit code is not an error", func(t *testing.T) {
		handle, err := local.Execute(ctx, Spec{Command: "exit 3"})
		require.NoError(t, err)

		code, err := handle.Wait()
		require.NoError(t, err)
		assert.Equal(t, 3, code)
	})

	t.Run("cancellation terminates the command", func(t *testing.T) {
		cancelCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		handle, err := local.Execute(cancelCtx, Spec{Command: "sleep 30"})
		require.NoError(t, err)

		start := time.Now()
		_, err = handle.Wait()
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 10*time.Second)
	})
}

func TestFlattenEnv(t *testing.T) {
	got := flattenEnv(map[string]string{"A": "1", "B": "two"})
	assert.ElementsMatch(t, []string{"A=1", "B=two"}, got)
}
