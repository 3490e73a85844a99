package agent

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/deployr/internal/executor"
	"github.com/loykin/deployr/internal/protocol"
)

type fakeExec struct {
	name   string
	args   []string
	stdout string
	err    error
}

func (f *fakeExec) Run(_ context.Context, name string, args ...string) (string, string, error) {
	f.name, f.args = name, args
	return f.stdout, "", f.err
}

func (f *fakeExec) ForkAndExec(context.Context, string, ...string) (*executor.Process, error) {
	return nil, errors.New("not supported")
}

func TestCmdAttacherCommandLine(t *testing.T) {
	fe := &fakeExec{}
	_, err := CmdAttacher{Executor: fe}.Attach(context.Background(), 1234, "/data/agent.so", DefaultAddress)
	require.NoError(t, err)
	assert.Equal(t, "cmd", fe.name)
	assert.Equal(t, []string{"activity", "attach-agent", "1234", "/data/agent.so=" + DefaultAddress}, fe.args)
}

func TestCmdAttacherFailureKeepsOutput(t *testing.T) {
	fe := &fakeExec{stdout: "Unknown process: 1234\n", err: errors.New("exit status 255")}
	out, err := CmdAttacher{Executor: fe}.Attach(context.Background(), 1234, "/data/agent.so", DefaultAddress)
	require.Error(t, err)
	assert.Equal(t, "Unknown process: 1234", out)
}

func TestLibraryFor(t *testing.T) {
	assert.Equal(t, Library, LibraryFor(Arch64))
	assert.Equal(t, LibraryAlt, LibraryFor(Arch32))
	a, err := ParseArch("32")
	require.NoError(t, err)
	assert.Equal(t, Arch32, a)
	_, err = ParseArch("arm")
	assert.Error(t, err)
}

func TestRespond(t *testing.T) {
	addr := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", addr)
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- Respond(ctx, addr, 77, func(req *protocol.SwapRequest) protocol.AgentSwapResponse {
			if req.PackageName != "com.example" {
				return protocol.AgentSwapResponse{Status: protocol.AgentError, ErrorMessage: "wrong package"}
			}
			return protocol.AgentSwapResponse{Status: protocol.AgentOK}
		})
	}()

	c, err := ln.Accept()
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	conn := protocol.NewConn(c, c)
	require.NoError(t, conn.WriteMessage(&protocol.SwapRequest{PackageName: "com.example"}))
	var resp protocol.AgentSwapResponse
	require.NoError(t, conn.ReadMessage(&resp))
	assert.Equal(t, 77, resp.PID)
	assert.Equal(t, protocol.AgentOK, resp.Status)
	require.NoError(t, <-done)
}
