package installclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/loykin/deployr/internal/events"
	"github.com/loykin/deployr/internal/executor"
	"github.com/loykin/deployr/internal/metrics"
)

const (
	// ExecFailedMarker is what the execution context prints when the
	// server binary is not where it was asked to run it from.
	ExecFailedMarker = "exec failed"

	maxStderr = 128
)

// ErrStartFailed wraps every launch failure.
var ErrStartFailed = errors.New("installclient: install server did not start")

// StartResult is the outcome of one launch attempt.
type StartResult int

const (
	StartSuccess StartResult = iota
	StartTryCopy
	StartFailure
)

func (r StartResult) String() string {
	switch r {
	case StartSuccess:
		return "success"
	case StartTryCopy:
		return "try_copy"
	default:
		return "failure"
	}
}

// Launcher starts the install server inside the application's execution
// context.
type Launcher struct {
	// Executor is expected to already impersonate the application.
	Executor   executor.Executor
	ServerPath string
	ServerArgs []string
	// Copy puts the server binary at ServerPath. It runs at most once.
	Copy func(ctx context.Context) error

	Events *events.Collector
	Log    *slog.Logger
}

func (l *Launcher) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

// Start launches the server. If the first attempt reports that the binary
// is missing, the binary is copied and the launch retried exactly once.
func (l *Launcher) Start(ctx context.Context) (*Client, error) {
	client, res, err := l.attempt(ctx)
	if res != StartTryCopy {
		return client, err
	}
	if l.Copy == nil {
		return nil, err
	}
	l.logger().Info("install server binary missing, copying", "path", l.ServerPath)
	if cerr := l.Copy(ctx); cerr != nil {
		return nil, fmt.Errorf("%w: copy server binary: %v", ErrStartFailed, cerr)
	}
	client, res, err = l.attempt(ctx)
	if res == StartSuccess {
		return client, nil
	}
	return nil, err
}

func (l *Launcher) attempt(ctx context.Context) (*Client, StartResult, error) {
	client, res, err := l.tryStart(ctx)
	metrics.IncLaunchAttempt(res.String())
	if l.Events != nil {
		l.Events.Log("install server launch: " + res.String())
	}
	return client, res, err
}

func (l *Launcher) tryStart(ctx context.Context) (*Client, StartResult, error) {
	proc, err := l.Executor.ForkAndExec(ctx, l.ServerPath, l.ServerArgs...)
	if err != nil {
		return nil, StartFailure, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	client := NewProcessClient(proc)
	err = client.WaitForStart()
	if err == nil {
		return client, StartSuccess, nil
	}
	// A server that wrote something else is still reading stdin and only
	// closes stderr once stdin is closed.
	if proc.Stdin != nil {
		_ = proc.Stdin.Close()
	}
	diag := readDiagnostic(proc.Stderr)
	_ = client.Close()
	l.logger().Warn("install server did not acknowledge start", "error", err, "stderr", diag)
	if strings.Contains(diag, ExecFailedMarker) {
		return nil, StartTryCopy, fmt.Errorf("%w: %s", ErrStartFailed, diag)
	}
	if diag != "" {
		return nil, StartFailure, fmt.Errorf("%w: %s", ErrStartFailed, diag)
	}
	return nil, StartFailure, fmt.Errorf("%w: %v", ErrStartFailed, err)
}

func readDiagnostic(r io.Reader) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, maxStderr))
	return strings.TrimSpace(string(b))
}
