// Package executor runs commands and long-lived child processes, either
// directly or inside the target application's execution context.
package executor

import (
	"context"
	"io"
	"sync"
)

// Executor is the command execution collaborator.
type Executor interface {
	// Run executes name to completion and returns its captured output.
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
	// ForkAndExec starts path with piped stdio and returns immediately.
	ForkAndExec(ctx context.Context, path string, args ...string) (*Process, error)
}

// Process is a started child with its stdio pipes. Callers read Stdout
// and Stderr to EOF before calling Wait.
type Process struct {
	PID    int
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	wait    func() error
	once    sync.Once
	waitErr error
}

// NewProcess assembles a Process from parts; wait may be nil.
func NewProcess(pid int, stdin io.WriteCloser, stdout, stderr io.ReadCloser, wait func() error) *Process {
	return &Process{PID: pid, Stdin: stdin, Stdout: stdout, Stderr: stderr, wait: wait}
}

// Wait waits for the child to exit. It is safe to call more than once.
func (p *Process) Wait() error {
	p.once.Do(func() {
		if p.wait != nil {
			p.waitErr = p.wait()
		}
	})
	return p.waitErr
}
