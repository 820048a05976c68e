package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// InstanceExecer runs a command inside an already-deployed function
// instance. A funcagent.Launcher that can reach its runtime's exec
// facility (fork/exec namespace entry, container exec, etc.) implements
// this to let ExecChecker probe the instance itself rather than the agent
// host it's running on.
type InstanceExecer interface {
	Exec(ctx context.Context, instanceID string, command []string) (stdout []byte, err error)
}

// ExecChecker performs exec-based health checks by running a command
// either on the agent host or, when Execer is set, inside the instance
// identified by InstanceID.
type ExecChecker struct {
	// Command is the command to execute (e.g., ["pg_isready", "-U", "postgres"])
	Command []string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration

	// InstanceID is the ID of the function instance to exec into.
	// If empty, runs on the agent host (useful for testing).
	InstanceID string

	// Execer, when set, runs Command inside InstanceID via the owning
	// function agent's runtime instead of on the local host.
	Execer InstanceExecer
}

// NewExecChecker creates a new exec health checker
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// Check performs the exec health check
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	if e.InstanceID != "" && e.Execer != nil {
		out, err := e.Execer.Exec(execCtx, e.InstanceID, e.Command)
		return e.result(start, out, nil, err)
	}

	if e.InstanceID != "" {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("no instance execer wired for %s, cannot run %v in-instance", e.InstanceID, e.Command),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	cmd := exec.CommandContext(execCtx, e.Command[0], e.Command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return e.result(start, stdout.Bytes(), stderr.Bytes(), err)
}

func (e *ExecChecker) result(start time.Time, stdout, stderr []byte, err error) Result {
	message := fmt.Sprintf("command: %v", e.Command)
	if err != nil {
		message = fmt.Sprintf("%s, error: %v", message, err)
		if len(stderr) > 0 {
			message = fmt.Sprintf("%s, stderr: %s", message, stderr)
		}
		return Result{Healthy: false, Message: message, CheckedAt: start, Duration: time.Since(start)}
	}

	if len(stdout) > 0 {
		out := string(stdout)
		if len(out) > 100 {
			out = out[:100] + "..."
		}
		message = fmt.Sprintf("%s, output: %s", message, out)
	}
	return Result{Healthy: true, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

// WithInstance sets the instance ID for exec
func (e *ExecChecker) WithInstance(instanceID string) *ExecChecker {
	e.InstanceID = instanceID
	return e
}

// WithExecer sets the runtime bridge used to exec into InstanceID.
func (e *ExecChecker) WithExecer(execer InstanceExecer) *ExecChecker {
	e.Execer = execer
	return e
}
