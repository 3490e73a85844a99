// Package installserver is the device-side install server: a
// request/response loop on stdin/stdout that updates the overlay, checks
// for files and relays swap requests to attached agents.
package installserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loykin/deployr/internal/events"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/protocol"
)

// State is the lifecycle state of a Server.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// Server runs the loop over one duplex channel.
type Server struct {
	conn    *protocol.Conn
	handler RequestHandler
	events  *events.Collector
	log     *slog.Logger

	state        State
	onTransition func(from, to State)
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.log = l } }

// WithTransitionHook registers fn to observe every state change.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(s *Server) { s.onTransition = fn }
}

func NewServer(r io.Reader, w io.Writer, h RequestHandler, ev *events.Collector, opts ...Option) *Server {
	s := &Server{
		conn:    protocol.NewConn(r, w),
		handler: h,
		events:  ev,
		log:     slog.New(slog.DiscardHandler),
		state:   StateStarting,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) State() State { return s.state }

func (s *Server) transition(to State) {
	from := s.state
	s.state = to
	metrics.RecordStateTransition("server", from.String(), to.String())
	s.log.Debug("server state", "from", from.String(), "to", to.String())
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

// Run acknowledges startup, serves requests until an exit request, a
// closed channel or a malformed message, then drains buffered events
// into the terminal response. If the acknowledgement cannot be written
// the server stays in StateStarting and Run returns the error.
func (s *Server) Run(ctx context.Context) error {
	if err := s.conn.WriteResponse(&protocol.Response{Status: protocol.StatusServerStarted}); err != nil {
		s.log.Error("could not acknowledge startup", "error", err)
		return fmt.Errorf("write start acknowledgement: %w", err)
	}
	s.transition(StateRunning)
	s.serve(ctx)

	s.transition(StateDraining)
	drained := s.events.Drain()

	s.transition(StateExited)
	if err := s.conn.WriteResponse(&protocol.Response{Status: protocol.StatusServerExited, Events: drained}); err != nil {
		s.log.Error("could not write exit response", "error", err)
		return fmt.Errorf("write exit response: %w", err)
	}
	return nil
}

func (s *Server) serve(ctx context.Context) {
	for {
		if err := ctx.Err(); err != nil {
			s.events.Error("server cancelled: " + err.Error())
			return
		}
		req, err := s.conn.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info("channel closed by client")
			} else {
				s.log.Warn("unreadable request", "error", err)
				s.events.Error("unreadable request: " + err.Error())
			}
			return
		}
		if req.Type == protocol.RequestServerExit {
			s.log.Info("exit requested")
			return
		}
		resp := s.handler.Handle(ctx, req)
		if err := s.conn.WriteResponse(resp); err != nil {
			s.log.Error("could not write response", "error", err)
			return
		}
	}
}
