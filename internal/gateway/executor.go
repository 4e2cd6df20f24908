package gateway

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/opsgate/opsgate/internal/command"
)

// Timeout classes: inspection commands get the short budget, build and
// deploy steps the long one.
const (
	DefaultShortTimeout = 30 * time.Second
	DefaultLongTimeout  = 5 * time.Minute
	DefaultMaxOutput    = 256 * 1024
)

// fixedPath is the only PATH a subprocess ever sees. Command lookup never
// happens through it (argv[0] is already absolute), but child processes a
// tool spawns inherit it.
const fixedPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ExecRequest is one approved subprocess launch.
type ExecRequest struct {
	Argv    []string
	Dir     string
	Timeout time.Duration
}

// ExecResult captures everything a subprocess produced. Stdout and stderr
// are never merged.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Executor launches approved commands. It injects a minimal fixed
// environment so nothing from the caller's environment reaches the child,
// and it kills the subprocess when the timeout or the caller's context
// expires.
type Executor struct {
	root      string
	env       []string
	maxOutput int
	logger    *slog.Logger
}

// NewExecutor builds an executor rooted at the gateway's install directory.
func NewExecutor(root string, maxOutput int, logger *slog.Logger) *Executor {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	return &Executor{
		root: root,
		env: []string{
			"PATH=" + fixedPath,
			"HOME=" + root,
			"LANG=C.UTF-8",
		},
		maxOutput: maxOutput,
		logger:    logger.With("component", "executor"),
	}
}

// Run executes one approved argv. Subprocess-layer failures never
// propagate as panics: timeouts come back as a Timeout-kind error, every
// other launch failure as ExecutionError, and a non-zero exit is a normal
// result, not an error.
func (e *Executor) Run(ctx context.Context, req ExecRequest) (ExecResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultShortTimeout
	}
	dir := req.Dir
	if dir == "" {
		dir = e.root
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = dir
	cmd.Env = e.env

	stdout := &cappedBuffer{max: e.maxOutput}
	stderr := &cappedBuffer{max: e.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logger.Debug("launching subprocess", "argv0", req.Argv[0], "dir", dir, "timeout", timeout)

	start := time.Now()
	err := cmd.Run()
	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, command.Errorf(command.KindTimeout,
			"command timed out after %s", timeout)
	}
	if ctx.Err() == context.Canceled {
		result.ExitCode = -1
		return result, command.Errorf(command.KindExecutionError, "command canceled")
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The command ran and exited non-zero: a normal outcome.
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		return result, command.Errorf(command.KindExecutionError, "launch failed: %v", err)
	}

	return result, nil
}

// cappedBuffer bounds captured output so one chatty subprocess cannot blow
// up memory or the audit trail. Writes past the cap are counted as
// consumed and dropped.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remain := b.max - b.buf.Len()
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
