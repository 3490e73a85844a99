package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestNewEvent(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("KST", 9*3600))
	a := NewEvent("swap", "com.example", start)
	b := NewEvent("swap", "com.example", start)
	if a.InvocationID == "" || a.InvocationID == b.InvocationID {
		t.Fatalf("expected unique invocation ids, got %q and %q", a.InvocationID, b.InvocationID)
	}
	if a.OccurredAt.Location() != time.UTC || !a.OccurredAt.Equal(start) {
		t.Fatalf("expected UTC start time, got %v", a.OccurredAt)
	}
}

func TestRecorder_FailingSinkDoesNotStopOthers(t *testing.T) {
	bad := &memSink{err: errors.New("down")}
	good := &memSink{}
	r := NewRecorder(nil, bad, good)

	e := NewEvent("overlay-install", "com.example", time.Now())
	e.Status = "OK"
	r.Record(context.Background(), e)

	if len(good.events) != 1 || good.events[0].InvocationID != e.InvocationID {
		t.Fatalf("expected event delivered to healthy sink, got %+v", good.events)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !bad.closed || !good.closed {
		t.Fatalf("expected sinks closed")
	}
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{})
	if err := r.Close(); err != nil {
		t.Fatalf("nil recorder close: %v", err)
	}
}
