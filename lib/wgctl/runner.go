// Package wgctl is the control-plane surface for a live WireGuard
// interface. Commands run through an injectable Runner so local execution,
// remote execution, and test fakes are interchangeable. Secret key
// material only ever travels to the control plane via stdin, never inside
// a command line.
package wgctl

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/wgkeeper/wgkeeper/lib/errors"
)

// DefaultCommandTimeout bounds every control-plane call. A hung external
// command is terminated and surfaced as ErrTimeout instead of wedging the
// reconciler.
const DefaultCommandTimeout = 10 * time.Second

// Runner executes a control-plane command and returns its stdout.
// stdin, when non-nil, is fed to the process; it is the only channel
// secrets may use.
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// LocalRunner runs commands as local processes.
type LocalRunner struct {
	// Timeout bounds each command; zero means DefaultCommandTimeout.
	Timeout time.Duration
}

// Run executes the command, enforcing the timeout. Non-zero exits surface
// as CommandError; deadline hits surface as ErrTimeout.
func (r *LocalRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: %s", errors.ErrTimeout, commandLine(name, args))
	}
	if err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return nil, &errors.CommandError{
			Command:  commandLine(name, args),
			ExitCode: exitCode,
			Stderr:   stderr.String(),
			Err:      err,
		}
	}
	return stdout.Bytes(), nil
}

func commandLine(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}
