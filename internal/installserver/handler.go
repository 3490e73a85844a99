package installserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/deployr/internal/events"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/overlay"
	"github.com/loykin/deployr/internal/protocol"
)

const (
	// OverlayDirName is the overlay root below the requested overlay path.
	OverlayDirName = ".overlay"

	DefaultAcceptTimeout = 15 * time.Second
	DefaultReplyTimeout  = 60 * time.Second
)

// RequestHandler answers one handle request.
type RequestHandler interface {
	Handle(ctx context.Context, req *protocol.Request) *protocol.Response
}

// Handler dispatches requests by variant. It owns the agent listener and
// is driven from the server's single read loop.
type Handler struct {
	DataRoot      string
	AcceptTimeout time.Duration
	ReplyTimeout  time.Duration

	events   *events.Collector
	log      *slog.Logger
	listener net.Listener
}

func NewHandler(dataRoot string, ev *events.Collector, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		DataRoot:      dataRoot,
		AcceptTimeout: DefaultAcceptTimeout,
		ReplyTimeout:  DefaultReplyTimeout,
		events:        ev,
		log:           log,
	}
}

// Handle always returns a response with StatusRequestCompleted; variant
// status carries the outcome.
func (h *Handler) Handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	variant := req.Variant()
	metrics.IncServerRequest(variant)
	h.log.Debug("handling request", "variant", variant)

	resp := &protocol.Response{Status: protocol.StatusRequestCompleted}
	switch {
	case req.Check != nil:
		resp.Check = h.checkSetup(req.Check)
	case req.Overlay != nil:
		resp.Overlay = h.updateOverlay(req.Overlay)
	case req.Socket != nil:
		resp.Socket = h.openSocket(req.Socket)
	case req.Send != nil:
		resp.Send = h.sendToAgents(ctx, req.Send)
	case req.Log != nil:
		resp.Log = h.agentLogs(req.Log)
	}
	return resp
}

// Close releases the agent listener, if any.
func (h *Handler) Close() error {
	if h.listener == nil {
		return nil
	}
	err := h.listener.Close()
	h.listener = nil
	return err
}

func (h *Handler) checkSetup(req *protocol.CheckSetupRequest) *protocol.CheckSetupResponse {
	resp := &protocol.CheckSetupResponse{}
	for _, f := range req.Files {
		if err := unix.Access(f, unix.F_OK); err != nil {
			resp.MissingFiles = append(resp.MissingFiles, f)
		}
	}
	return resp
}

func (h *Handler) updateOverlay(req *protocol.OverlayUpdateRequest) *protocol.OverlayUpdateResponse {
	defer h.events.Phase("UpdateOverlay")()
	dir := filepath.Join(req.OverlayPath, OverlayDirName)

	failed := func(err error) *protocol.OverlayUpdateResponse {
		h.events.Error(err.Error())
		h.log.Warn("overlay update failed", "dir", dir, "error", err)
		return &protocol.OverlayUpdateResponse{Status: protocol.OverlayUpdateFailed, ErrorMessage: err.Error()}
	}

	if req.WipeAllFiles {
		if err := overlay.Wipe(dir); err != nil {
			return failed(err)
		}
	}
	if err := overlay.CheckID(dir, req.ExpectedID); err != nil {
		if errors.Is(err, overlay.ErrIDMismatch) {
			return &protocol.OverlayUpdateResponse{Status: protocol.OverlayIDMismatch, ErrorMessage: err.Error()}
		}
		return failed(err)
	}

	o, err := overlay.Open(dir)
	if err != nil {
		return failed(fmt.Errorf("could not open overlay: %w", err))
	}
	for _, p := range req.FilesToDelete {
		if err := o.DeleteFile(p); err != nil {
			return failed(err)
		}
	}
	for _, f := range req.FilesToWrite {
		content, err := f.Content.Decode()
		if err != nil {
			return failed(&overlay.PathError{Op: "decode", Path: f.Path, Err: err})
		}
		if err := o.WriteFile(f.Path, content); err != nil {
			return failed(err)
		}
	}
	if err := o.Commit(req.ID); err != nil {
		return failed(fmt.Errorf("could not commit overlay %q: %w", req.ID, err))
	}
	h.events.Log(fmt.Sprintf("overlay %q committed (%d written, %d deleted)", req.ID, len(req.FilesToWrite), len(req.FilesToDelete)))
	return &protocol.OverlayUpdateResponse{Status: protocol.OverlayUpdateOK}
}
