// Package sandbox defines the process-execution collaborator used for RUN
// instructions. The build engine materializes the layer stack into a root
// directory, hands it to an Executor, and derives the filesystem delta by
// diffing the directory afterwards; the executor itself only has to run the
// process and report success or failure.
package sandbox

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Executor runs one command against a materialized rootfs.
type Executor interface {
	Run(ctx context.Context, rootfs string, argv []string, env []string, workingDir string) error
}

// ExitError reports a process that ran and returned a non-zero status.
type ExitError struct {
	Code int
	Cmd  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q returned a non-zero code: %d", e.Cmd, e.Code)
}

// Local executes commands directly on the host, rooted in the materialized
// directory via the working directory. It provides no isolation and exists
// for local builds and tests; a containerized executor satisfies the same
// interface.
type Local struct{}

func (Local) Run(ctx context.Context, rootfs string, argv []string, env []string, workingDir string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	dir := rootfs
	if workingDir != "" {
		dir = filepath.Join(rootfs, filepath.FromSlash(workingDir))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating working directory")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			return &ExitError{Code: exitErr.ExitCode(), Cmd: strings.Join(argv, " ")}
		}
		return errors.Wrapf(err, "starting command %q", strings.Join(argv, " "))
	}
	return nil
}
