package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/vk/gantry/internal/ctxlog"
)

// Local runs commands on the host through `sh -c`. Each command gets its
// own process group so cancellation reaches child processes too.
type Local struct{}

// NewLocal creates a host sandbox.
func NewLocal() *Local {
	return &Local{}
}

// Execute implements Sandbox.
func (l *Local) Execute(ctx context.Context, spec Spec) (Handle, error) {
	log := ctxlog.FromContext(ctx)

	cmd := exec.CommandContext(ctx, "sh", "-c", spec.Command)
	cmd.Dir = spec.WorkingDir
	cmd.Env = flattenEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid addresses the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}
	log.Debug("Started local command.", "pid", cmd.Process.Pid)

	return &localHandle{ctx: ctx, cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type localHandle struct {
	ctx    context.Context
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (h *localHandle) Stdout() io.Reader { return h.stdout }
func (h *localHandle) Stderr() io.Reader { return h.stderr }

func (h *localHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	if ctxErr := h.ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("waiting for command: %w", err)
	}
	return 0, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
