package swap

import (
	"context"
	"errors"

	"github.com/loykin/deployr/internal/agent"
	"github.com/loykin/deployr/internal/installclient"
	"github.com/loykin/deployr/internal/payload"
	"github.com/loykin/deployr/internal/protocol"
	"github.com/loykin/deployr/internal/provision"
)

func buildSwapRequest(req *Request) protocol.SwapRequest {
	return protocol.SwapRequest{
		PackageName:     req.PackageName,
		ProcessIDs:      req.ProcessIDs,
		Payload:         payload.Encode(req.Payload),
		RestartActivity: req.RestartActivity,
	}
}

// PlainSwap delivers the payload and nothing else. The agent is kept
// next to the code cache.
type PlainSwap struct{}

func (PlainSwap) Provision(ctx context.Context, s *Session) (string, error) {
	return provision.Agent(ctx, s.Workspace, s.Client, s.Request.PackageName, agent.LibraryFor(s.Request.Arch))
}

func (PlainSwap) BuildRequest(s *Session) protocol.SwapRequest { return buildSwapRequest(s.Request) }

func (PlainSwap) ProcessResponse(context.Context, *Session, *protocol.SwapResponse) {}

// OverlaySwap swaps and then, if the swap succeeded, commits the overlay
// in the same server session so restarted processes load the new code.
type OverlaySwap struct{}

func (OverlaySwap) Provision(ctx context.Context, s *Session) (string, error) {
	if s.Request.Overlay == nil {
		return "", errors.New("overlay swap without an overlay update")
	}
	return provision.StartupAgent(ctx, s.Workspace, s.Client, s.Request.PackageName, agent.LibraryFor(s.Request.Arch))
}

func (OverlaySwap) BuildRequest(s *Session) protocol.SwapRequest {
	r := buildSwapRequest(s.Request)
	r.OverlayID = s.Request.Overlay.ID
	return r
}

func (OverlaySwap) ProcessResponse(_ context.Context, s *Session, resp *protocol.SwapResponse) {
	if resp.Status != protocol.SwapOK {
		return
	}
	ev := s.Workspace.Events
	defer ev.Phase("UpdateOverlay")()
	u := s.Request.Overlay.Request(s.Workspace.CodeCache(s.Request.PackageName))
	r, err := s.Client.Call(protocol.NewOverlayUpdate(u))
	if err != nil {
		ev.Error(err.Error())
		if errors.Is(err, installclient.ErrWrite) {
			resp.Status = protocol.SwapWriteToServerFailed
		} else {
			resp.Status = protocol.SwapReadFromServerFailed
		}
		return
	}
	if r.Overlay == nil {
		resp.Status = protocol.SwapReadFromServerFailed
		return
	}
	switch r.Overlay.Status {
	case protocol.OverlayUpdateOK:
	case protocol.OverlayIDMismatch:
		resp.Status = protocol.SwapOverlayIDMismatch
		resp.Extra = r.Overlay.ErrorMessage
	default:
		resp.Status = protocol.SwapOverlayUpdateFailed
		resp.Extra = r.Overlay.ErrorMessage
	}
}
