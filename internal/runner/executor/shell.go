// Package executor runs a job's command and captures its output. The shell
// executor is the default; the docker executor handles jobs tagged for
// container execution.
package executor

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"

	"forgeq/pkg/model"
)

// Executor runs one job attempt to completion. Implementations enforce the
// job's wall-clock timeout and return captured stdout+stderr either way.
type Executor interface {
	Run(ctx context.Context, job *model.Job) (output string, err error)
}

// Shell executes the command via `sh -c` as a local subprocess.
type Shell struct{}

func NewShell() *Shell {
	return &Shell{}
}

// Run enforces job.Timeout by killing the whole process group, so children
// spawned by the shell die with it.
func (e *Shell) Run(ctx context.Context, job *model.Job) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, job.Timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", job.Command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return buf.String(), errors.Errorf("command timed out after %s", job.Timeout())
	}
	if err != nil {
		return buf.String(), errors.Wrap(err, "command failed")
	}
	return buf.String(), nil
}
