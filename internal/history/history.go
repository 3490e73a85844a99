package history

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Table is the table (or index) name sinks use by default.
const Table = "deploy_history"

// Event is the outcome of one host command, exported to analytics
// systems after the command finishes.
type Event struct {
	InvocationID string        `json:"invocation_id"`
	Command      string        `json:"command"`
	Package      string        `json:"package"`
	Status       string        `json:"status"`
	Extra        string        `json:"extra,omitempty"`
	FailedAgents int           `json:"failed_agents"`
	Duration     time.Duration `json:"duration_ns"`
	OccurredAt   time.Time     `json:"occurred_at"`
}

// NewEvent starts an event for a command invoked at start.
func NewEvent(command, pkg string, start time.Time) Event {
	return Event{
		InvocationID: uuid.NewString(),
		Command:      command,
		Package:      pkg,
		OccurredAt:   start.UTC(),
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans an event out to every sink. Sink failures are logged and
// never surface to the command.
type Recorder struct {
	sinks []Sink
	log   *slog.Logger
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, log: log}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "invocation", e.InvocationID, "error", err)
		}
	}
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
