package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
)

const waitDelay = 2 * time.Second

// Runner executes external utilities. Backends that shell out take one so
// tests can replace the utilities with canned output.
type Runner interface {
	LookPath(name string) (string, error)
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandError is returned by a Runner when a command ran but failed.
type CommandError struct {
	Name   string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v: %s", e.Name, e.Err, e.Stderr)
	}

	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

type execRunner struct{}

// ExecRunner runs commands with os/exec. A cancelled command gets SIGTERM
// and is only killed if it is still running after a grace period.
func ExecRunner() Runner {
	return execRunner{}
}

func (execRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = waitDelay

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return out, &CommandError{Name: name, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}

	return out, nil
}

// commandError maps a failed command onto the backend taxonomy. stderr
// classification is left to the backend since every utility words its
// failures differently.
func commandError(ctx context.Context, err error, fromStderr func(string) errors.ErrorCode) error {
	factory := errors.New()

	switch {
	case ctx.Err() != nil:
		return factory.Wrap(ErrTimeout, err)
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return factory.Wrap(ErrUnavailable, err)
	case errors.Is(err, os.ErrPermission):
		return factory.Wrap(ErrPermissionDenied, err)
	}

	var cmdErr *CommandError
	if fromStderr != nil && errors.As(err, &cmdErr) {
		if code := fromStderr(strings.ToLower(cmdErr.Stderr)); code != "" {
			return factory.Wrap(code, err)
		}
	}

	return factory.Wrap(ErrUnavailable, err)
}
