// Package hostcmd runs commands on the lab host. Adapters that drive host tools
// (usbsdmux, pmount, xsdb, outlet scripts) take a Runner so tests can replace it.
package hostcmd

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/fpgalab/bringup/pkg/errors"
)

// Runner runs a host command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, args ...string) (string, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) (string, error) {
	return f(ctx, name, args...)
}

// Exec runs commands with os/exec. A zero Timeout leaves only the caller's context.
type Exec struct {
	Timeout time.Duration
}

func (e Exec) Run(ctx context.Context, name string, args ...string) (string, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmdline := strings.TrimSpace(name + " " + strings.Join(args, " "))
	slog.Debug("host_command_start", "command", cmdline)

	start := time.Now()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		slog.Error("host_command_failed", "command", cmdline, "exit_code", code, "error", err)
		return string(out), &errors.CommandError{Command: cmdline, Output: string(out), ExitCode: code, Err: err}
	}

	slog.Debug("host_command_complete", "command", cmdline, "duration", time.Since(start))
	return string(out), nil
}

// Shell runs script through sh -c.
func Shell(ctx context.Context, r Runner, script string) (string, error) {
	return r.Run(ctx, "sh", "-c", script)
}
