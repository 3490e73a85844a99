package installserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loykin/deployr/internal/protocol"
)

func (h *Handler) openSocket(req *protocol.OpenAgentSocketRequest) *protocol.OpenAgentSocketResponse {
	if err := h.Close(); err != nil {
		h.log.Warn("closing previous agent listener", "error", err)
	}
	if !strings.HasPrefix(req.Address, "@") {
		// a socket file left by a previous server blocks Listen
		_ = os.Remove(req.Address)
	}
	ln, err := net.Listen("unix", req.Address)
	if err != nil {
		h.events.Error("could not open agent socket: " + err.Error())
		return &protocol.OpenAgentSocketResponse{Status: protocol.SocketFailed, ErrorMessage: err.Error()}
	}
	h.listener = ln
	h.log.Info("listening for agents", "address", req.Address)
	return &protocol.OpenAgentSocketResponse{Status: protocol.SocketOK}
}

// sendToAgents accepts AgentCount agent connections, delivers the swap
// request to each and collects one reply per agent. Agents that do not
// connect within AcceptTimeout or do not reply are simply missing from
// the result, which is then reported as incomplete.
func (h *Handler) sendToAgents(ctx context.Context, req *protocol.SendAgentMessageRequest) *protocol.SendAgentMessageResponse {
	defer h.events.Phase("SendAgentMessage")()
	resp := &protocol.SendAgentMessageResponse{Status: protocol.SendOK}
	if req.AgentCount <= 0 {
		return resp
	}
	if h.listener == nil {
		h.events.Error("no agent socket is open")
		resp.Status = protocol.SendIncomplete
		return resp
	}

	conns := h.acceptAgents(ctx, req.AgentCount)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	replies := make([]*protocol.AgentSwapResponse, len(conns))
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c net.Conn) {
			defer wg.Done()
			r, err := h.exchange(c, &req.Swap)
			if err != nil {
				h.events.Error(fmt.Sprintf("agent %d: %v", i, err))
				return
			}
			replies[i] = r
		}(i, c)
	}
	wg.Wait()

	for _, r := range replies {
		if r != nil {
			resp.AgentResponses = append(resp.AgentResponses, *r)
		}
	}
	if len(resp.AgentResponses) < req.AgentCount {
		h.events.Error(fmt.Sprintf("received %d of %d agent responses", len(resp.AgentResponses), req.AgentCount))
		resp.Status = protocol.SendIncomplete
	}
	return resp
}

func (h *Handler) acceptAgents(ctx context.Context, n int) []net.Conn {
	deadline := time.Now().Add(h.AcceptTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	type deadliner interface{ SetDeadline(time.Time) error }
	if dl, ok := h.listener.(deadliner); ok {
		_ = dl.SetDeadline(deadline)
		defer func() { _ = dl.SetDeadline(time.Time{}) }()
	}

	conns := make([]net.Conn, 0, n)
	for len(conns) < n {
		c, err := h.listener.Accept()
		if err != nil {
			h.events.Error(fmt.Sprintf("accepted %d of %d agents: %v", len(conns), n, err))
			break
		}
		conns = append(conns, c)
	}
	return conns
}

func (h *Handler) exchange(c net.Conn, swap *protocol.SwapRequest) (*protocol.AgentSwapResponse, error) {
	_ = c.SetDeadline(time.Now().Add(h.ReplyTimeout))
	conn := protocol.NewConn(c, c)
	if err := conn.WriteMessage(swap); err != nil {
		return nil, err
	}
	var r protocol.AgentSwapResponse
	if err := conn.ReadMessage(&r); err != nil {
		return nil, err
	}
	return &r, nil
}
