// Package devicetest provides an in-process device for tests: an install
// server on pipes and an executor that runs application commands locally.
package devicetest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/loykin/deployr/internal/events"
	"github.com/loykin/deployr/internal/executor"
	"github.com/loykin/deployr/internal/installclient"
	"github.com/loykin/deployr/internal/installserver"
)

// Executor runs commands with the local executor after dropping a
// leading `run-as <pkg>`, and records every call.
type Executor struct {
	Inner executor.Executor
	// Fail makes commands with that name fail without running.
	Fail map[string]error

	mu    sync.Mutex
	calls []string
}

func (e *Executor) record(name string, args []string) (string, []string) {
	e.mu.Lock()
	e.calls = append(e.calls, strings.Join(append([]string{name}, args...), " "))
	e.mu.Unlock()
	if name == "run-as" && len(args) >= 2 {
		return args[1], args[2:]
	}
	return name, args
}

func (e *Executor) inner() executor.Executor {
	if e.Inner != nil {
		return e.Inner
	}
	return executor.Local{}
}

func (e *Executor) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	name, args = e.record(name, args)
	if err, ok := e.Fail[name]; ok {
		return "", name + " failed", err
	}
	return e.inner().Run(ctx, name, args...)
}

func (e *Executor) ForkAndExec(ctx context.Context, path string, args ...string) (*executor.Process, error) {
	path, args = e.record(path, args)
	if err, ok := e.Fail[path]; ok {
		return nil, err
	}
	return e.inner().ForkAndExec(ctx, path, args...)
}

// Calls returns the recorded command lines.
func (e *Executor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Server is an install server running in a goroutine.
type Server struct {
	Handler *installserver.Handler
	Events  *events.Collector

	client   *installclient.Client
	done     chan error
	mu       sync.Mutex
	launches int
}

// StartServer starts a server whose handler resolves agent logs under
// dataRoot. It is stopped when the test ends.
func StartServer(t testing.TB, dataRoot string) *Server {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ev := events.NewCollector(nil)
	h := installserver.NewHandler(dataRoot, ev, nil)
	srv := installserver.NewServer(inR, outW, h, ev)
	s := &Server{Handler: h, Events: ev, done: make(chan error, 1)}
	go func() {
		err := srv.Run(context.Background())
		_ = inR.Close()
		_ = h.Close()
		_ = outW.Close()
		s.done <- err
	}()
	s.client = installclient.NewClient(outR, inW)
	if err := s.client.WaitForStart(); err != nil {
		t.Fatalf("install server did not start: %v", err)
	}
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
	})
	return s
}

// Client returns the client connected to the server.
func (s *Server) Client() *installclient.Client { return s.client }

// Launch hands out the connected client; it matches the orchestrators'
// launch hook.
func (s *Server) Launch(context.Context, string) (*installclient.Client, error) {
	s.mu.Lock()
	s.launches++
	s.mu.Unlock()
	return s.client, nil
}

// Launches counts Launch calls.
func (s *Server) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

// Wait returns the server's Run result once it has exited.
func (s *Server) Wait() error { return <-s.done }

// ErrNoServer is returned by FailingLaunch.
var ErrNoServer = errors.New("devicetest: server did not start")

// FailingLaunch is a launch hook that never starts a server.
func FailingLaunch(context.Context, string) (*installclient.Client, error) {
	return nil, ErrNoServer
}
