// Package agent covers both ends of the agent boundary: attaching the
// agent library to a process and the agent's side of the swap exchange.
package agent

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/loykin/deployr/internal/executor"
	"github.com/loykin/deployr/internal/protocol"
)

// DefaultAddress is the abstract unix socket agents connect back to.
const DefaultAddress = "@deployr-agent-server"

// Arch selects the agent library matching the target process.
type Arch int

const (
	Arch64 Arch = iota
	Arch32
)

const (
	Library    = "agent.so"
	LibraryAlt = "agent-alt.so"
)

// LibraryFor returns the agent library name for arch.
func LibraryFor(a Arch) string {
	if a == Arch32 {
		return LibraryAlt
	}
	return Library
}

func ParseArch(s string) (Arch, error) {
	switch s {
	case "", "64":
		return Arch64, nil
	case "32":
		return Arch32, nil
	}
	return Arch64, fmt.Errorf("unknown agent arch %q", s)
}

// Attacher loads the agent at agentPath into pid, telling it to connect
// to address. The returned output is diagnostic text.
type Attacher interface {
	Attach(ctx context.Context, pid int, agentPath, address string) (string, error)
}

// CmdAttacher attaches through the activity manager command.
type CmdAttacher struct {
	Executor executor.Executor
}

func (a CmdAttacher) Attach(ctx context.Context, pid int, agentPath, address string) (string, error) {
	stdout, stderr, err := a.Executor.Run(ctx, "cmd", "activity", "attach-agent", strconv.Itoa(pid), agentPath+"="+address)
	output := strings.TrimSpace(stdout + stderr)
	if err != nil {
		return output, fmt.Errorf("attach agent to pid %d: %w", pid, err)
	}
	return output, nil
}

// ApplyFunc applies a swap request inside the agent and reports the
// outcome.
type ApplyFunc func(req *protocol.SwapRequest) protocol.AgentSwapResponse

// Respond connects to the install server at address, receives one swap
// request, applies it and sends the reply. The reply's PID is filled in
// when apply leaves it zero.
func Respond(ctx context.Context, address string, pid int, apply ApplyFunc) error {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", address)
	if err != nil {
		return fmt.Errorf("connect to install server: %w", err)
	}
	defer func() { _ = c.Close() }()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}

	conn := protocol.NewConn(c, c)
	var req protocol.SwapRequest
	if err := conn.ReadMessage(&req); err != nil {
		return fmt.Errorf("read swap request: %w", err)
	}
	resp := apply(&req)
	if resp.PID == 0 {
		resp.PID = pid
	}
	if err := conn.WriteMessage(&resp); err != nil {
		return fmt.Errorf("write swap response: %w", err)
	}
	return nil
}
