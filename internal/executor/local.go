package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

// Local executes commands as children of the current process.
type Local struct {
	Log *slog.Logger
}

func (l Local) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

func (l Local) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, name, args...)
	configureSysProcAttr(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	l.logger().Debug("run", "cmd", name, "args", args, "error", err)
	return stdout.String(), stderr.String(), err
}

func (l Local) ForkAndExec(ctx context.Context, path string, args ...string) (*Process, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, path, args...)
	configureSysProcAttr(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}
	l.logger().Debug("forked", "cmd", path, "args", args, "pid", cmd.Process.Pid)
	return NewProcess(cmd.Process.Pid, stdin, stdout, stderr, cmd.Wait), nil
}

// RunAs runs every command as `run-as <Package> <cmd> ...` so that it
// executes with the application's own identity.
type RunAs struct {
	Package string
	Inner   Executor
	// Binary defaults to "run-as".
	Binary string
}

func (r RunAs) binary() string {
	if r.Binary == "" {
		return "run-as"
	}
	return r.Binary
}

func (r RunAs) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	return r.Inner.Run(ctx, r.binary(), append([]string{r.Package, name}, args...)...)
}

func (r RunAs) ForkAndExec(ctx context.Context, path string, args ...string) (*Process, error) {
	return r.Inner.ForkAndExec(ctx, r.binary(), append([]string{r.Package, path}, args...)...)
}
