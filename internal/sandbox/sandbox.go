package sandbox

import (
	"context"
	"io"
)

// Spec describes a single command execution request.
type Spec struct {
	// Command is passed verbatim to `sh -c`.
	Command string

	// Env is the complete environment for the command. The sandbox adds
	// nothing on top; callers decide what leaks in.
	Env map[string]string

	// WorkingDir is the directory the command starts in. Empty means the
	// sandbox default.
	WorkingDir string

	// Image selects the container image. Ignored by sandboxes that do not
	// run containers.
	Image string
}

// Handle follows a started command. Stdout and Stderr stream output as it
// is produced; Wait blocks until the command finishes and reports its exit
// code. Both streams must be drained before Wait returns their readers
// useless.
type Handle interface {
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the command exits. A non-zero exit code is not an
	// error; err reports failures to run the command at all, or ctx
	// cancellation.
	Wait() (exitCode int, err error)
}

// Sandbox starts commands. Cancelling ctx terminates the command and all
// of its children; Wait then returns the context error.
type Sandbox interface {
	Execute(ctx context.Context, spec Spec) (Handle, error)
}
