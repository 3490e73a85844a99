package installserver

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/deployr/internal/events"
	"github.com/loykin/deployr/internal/protocol"
)

type pipes struct {
	client *protocol.Conn
	inW    *io.PipeWriter
}

func startServer(t *testing.T, h RequestHandler, ev *events.Collector, opts ...Option) (*pipes, *Server, chan error) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	s := NewServer(inR, outW, h, ev, opts...)
	done := make(chan error, 1)
	go func() {
		err := s.Run(context.Background())
		_ = outW.Close()
		done <- err
	}()
	t.Cleanup(func() { _ = inW.Close(); _ = outR.Close() })
	return &pipes{client: protocol.NewConn(outR, inW), inW: inW}, s, done
}

func TestServerLifecycle(t *testing.T) {
	ev := events.NewCollector(nil)
	h := NewHandler(t.TempDir(), ev, nil)
	defer func() { _ = h.Close() }()

	var transitions []string
	p, s, done := startServer(t, h, ev, WithTransitionHook(func(from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}))

	ack, err := p.client.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusServerStarted, ack.Status)

	root := t.TempDir()
	require.NoError(t, p.client.WriteRequest(overlayRequest(root, "", "v1", map[string]string{"a": "a"})))
	resp, err := p.client.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusRequestCompleted, resp.Status)
	assert.Equal(t, protocol.OverlayUpdateOK, resp.Overlay.Status)
	assert.Empty(t, resp.Events, "events are only returned on exit")

	require.NoError(t, p.client.WriteRequest(protocol.NewExit()))
	final, err := p.client.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusServerExited, final.Status)
	require.NotEmpty(t, final.Events)
	assert.Equal(t, events.TypeBegin, final.Events[0].Type)
	assert.Equal(t, "UpdateOverlay", final.Events[0].Text)

	require.NoError(t, <-done)
	assert.Equal(t, StateExited, s.State())
	assert.Equal(t, []string{"Starting>Running", "Running>Draining", "Draining>Exited"}, transitions)
}

func TestServerMalformedRequestDrains(t *testing.T) {
	ev := events.NewCollector(nil)
	h := NewHandler(t.TempDir(), ev, nil)
	p, s, done := startServer(t, h, ev)

	_, err := p.client.ReadResponse()
	require.NoError(t, err)

	// a handle request without a variant fails validation
	require.NoError(t, p.client.WriteRequest(&protocol.Request{Type: protocol.RequestHandle}))
	final, err := p.client.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusServerExited, final.Status)
	require.Len(t, final.Events, 1)
	assert.Equal(t, events.TypeError, final.Events[0].Type)

	require.NoError(t, <-done)
	assert.Equal(t, StateExited, s.State())
}

func TestServerClientCloseDrains(t *testing.T) {
	ev := events.NewCollector(nil)
	ev.Log("buffered")
	p, _, done := startServer(t, NewHandler(filepath.Join(t.TempDir(), "data"), ev, nil), ev)

	_, err := p.client.ReadResponse()
	require.NoError(t, err)
	require.NoError(t, p.inW.Close())

	final, err := p.client.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusServerExited, final.Status)
	require.Len(t, final.Events, 1)
	assert.Equal(t, "buffered", final.Events[0].Text)
	require.NoError(t, <-done)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestServerStaysStartingWhenAckFails(t *testing.T) {
	ev := events.NewCollector(nil)
	inR, inW := io.Pipe()
	defer func() { _ = inW.Close() }()
	s := NewServer(inR, failingWriter{}, NewHandler(t.TempDir(), ev, nil), ev)
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStarting, s.State())
}
