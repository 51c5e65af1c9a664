package ipc

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
)

// EnvTelemetryDisabled marks a process whose telemetry export is turned off.
// The supervisor sets it on every worker so that only the supervisor itself
// exports metrics.
const EnvTelemetryDisabled = "LIFE_TELEMETRY_DISABLED"

// TelemetryDisabled reports whether the current process was spawned with
// telemetry export disabled.
func TelemetryDisabled() bool {
	return os.Getenv(EnvTelemetryDisabled) == "1"
}

// Stdio returns the worker-side pipe over the process's own stdin and
// stdout. Call it once; the returned pipe owns stdin's read loop.
func Stdio() *Pipe {
	return NewPipe(os.Stdin, os.Stdout)
}

// Child is a spawned worker process together with its control pipe.
type Child struct {
	cmd  *exec.Cmd
	pipe *Pipe
}

// Spawn starts binary with the given arguments and wires its stdin/stdout
// into a control pipe. The child inherits the parent's environment plus
// LIFE_TELEMETRY_DISABLED=1 and any extra "KEY=VALUE" entries given. Each
// stderr line from the child is forwarded to logger at debug level.
func Spawn(binary string, args []string, logger *slog.Logger, extraEnv ...string) (*Child, error) {
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), EnvTelemetryDisabled+"=1")
	cmd.Env = append(cmd.Env, extraEnv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ipc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ipc: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ipc: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ipc: start %s: %w", binary, err)
	}

	go forwardStderr(stderr, logger.With("pid", cmd.Process.Pid))

	return &Child{
		cmd:  cmd,
		pipe: NewPipe(stdout, stdin, stdin),
	}, nil
}

func forwardStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		logger.Debug("worker stderr", "line", scanner.Text())
	}
}

// Pipe returns the control pipe to the child.
func (c *Child) Pipe() *Pipe { return c.pipe }

// PID returns the child's process id.
func (c *Child) PID() int { return c.cmd.Process.Pid }

// Wait blocks until the child exits and releases its resources. It must be
// called exactly once.
func (c *Child) Wait() error { return c.cmd.Wait() }

// Interrupt asks the child to shut down gracefully.
func (c *Child) Interrupt() error {
	return c.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill forcibly terminates the child.
func (c *Child) Kill() error {
	return c.cmd.Process.Kill()
}
