package events

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// Type classifies a diagnostic event.
type Type int

const (
	TypeLog Type = iota
	TypeError
	TypeBegin
	TypeEnd
)

func (t Type) String() string {
	switch t {
	case TypeLog:
		return "log"
	case TypeError:
		return "error"
	case TypeBegin:
		return "begin"
	case TypeEnd:
		return "end"
	default:
		return "unknown"
	}
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Event is a single diagnostic record. Events travel inside protocol
// responses, so they are plain data.
type Event struct {
	Type        Type   `cbor:"1,keyasint" json:"type"`
	Text        string `cbor:"2,keyasint" json:"text"`
	PID         int    `cbor:"3,keyasint,omitempty" json:"pid,omitempty"`
	TimestampNs int64  `cbor:"4,keyasint" json:"timestamp_ns"`
}

// Collector buffers events produced by one process until they are drained.
// It is safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	pid    int
	events []Event
	log    *slog.Logger
	now    func() time.Time
}

// NewCollector returns a collector stamping events with the current pid.
// When log is non-nil every event is mirrored to it at debug level.
func NewCollector(log *slog.Logger) *Collector {
	return &Collector{pid: os.Getpid(), log: log, now: time.Now}
}

func (c *Collector) record(t Type, text string) {
	e := Event{Type: t, Text: text, PID: c.pid, TimestampNs: c.now().UnixNano()}
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	if c.log != nil {
		c.log.Debug("event", "type", t.String(), "text", text)
	}
}

func (c *Collector) Log(text string)   { c.record(TypeLog, text) }
func (c *Collector) Error(text string) { c.record(TypeError, text) }

// Phase records a begin event and returns the matching end func.
//
//	defer c.Phase("Swap")()
func (c *Collector) Phase(name string) func() {
	c.record(TypeBegin, name)
	return func() { c.record(TypeEnd, name) }
}

// Add appends events produced elsewhere (agents, the install server)
// without restamping them.
func (c *Collector) Add(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	c.mu.Lock()
	c.events = append(c.events, evs...)
	c.mu.Unlock()
}

// Len reports the number of buffered events.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Drain returns all buffered events and empties the buffer.
func (c *Collector) Drain() []Event {
	c.mu.Lock()
	out := c.events
	c.events = nil
	c.mu.Unlock()
	return out
}
