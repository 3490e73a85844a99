package installserver

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/deployr/internal/events"
	"github.com/loykin/deployr/internal/overlay"
	"github.com/loykin/deployr/internal/payload"
	"github.com/loykin/deployr/internal/protocol"
)

func newTestHandler(t *testing.T) (*Handler, *events.Collector) {
	t.Helper()
	ev := events.NewCollector(nil)
	h := NewHandler(t.TempDir(), ev, nil)
	t.Cleanup(func() { _ = h.Close() })
	return h, ev
}

func overlayRequest(root, expected, id string, files map[string]string, deletes ...string) *protocol.Request {
	req := protocol.OverlayUpdateRequest{OverlayPath: root, ExpectedID: expected, ID: id, FilesToDelete: deletes}
	for p, c := range files {
		req.FilesToWrite = append(req.FilesToWrite, protocol.OverlayFile{Path: p, Content: payload.Encode([]byte(c))})
	}
	return protocol.NewOverlayUpdate(req)
}

func TestCheckSetupReportsMissingFiles(t *testing.T) {
	h, _ := newTestHandler(t)
	present := filepath.Join(t.TempDir(), "agent.so")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o600))
	missing := filepath.Join(t.TempDir(), "nope")

	resp := h.Handle(context.Background(), protocol.NewCheck(present, missing))
	assert.Equal(t, protocol.StatusRequestCompleted, resp.Status)
	require.NotNil(t, resp.Check)
	assert.Equal(t, []string{missing}, resp.Check.MissingFiles)
}

func TestOverlayUpdateLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)
	root := t.TempDir()
	ctx := context.Background()

	resp := h.Handle(ctx, overlayRequest(root, "", "v1", map[string]string{"classes.dex": "one"}))
	require.NotNil(t, resp.Overlay)
	assert.Equal(t, protocol.OverlayUpdateOK, resp.Overlay.Status, resp.Overlay.ErrorMessage)

	resp = h.Handle(ctx, overlayRequest(root, "v1", "v2", map[string]string{"res/a": "a"}, "classes.dex"))
	assert.Equal(t, protocol.OverlayUpdateOK, resp.Overlay.Status, resp.Overlay.ErrorMessage)

	dir := filepath.Join(root, OverlayDirName)
	assert.True(t, overlay.Exists(dir, "v2"))
	assert.NoFileExists(t, filepath.Join(dir, "classes.dex"))
	b, err := os.ReadFile(filepath.Join(dir, "res", "a"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(b))
}

func TestOverlayIDMismatchLeavesStoreUntouched(t *testing.T) {
	h, _ := newTestHandler(t)
	root := t.TempDir()
	ctx := context.Background()
	resp := h.Handle(ctx, overlayRequest(root, "", "v2", map[string]string{"a.dex": "v2 content"}))
	require.Equal(t, protocol.OverlayUpdateOK, resp.Overlay.Status)

	dir := filepath.Join(root, OverlayDirName)
	before, err := os.ReadFile(filepath.Join(dir, "a.dex"))
	require.NoError(t, err)

	resp = h.Handle(ctx, overlayRequest(root, "v1", "v3", map[string]string{"a.dex": "clobber", "b.dex": "new"}, "a.dex"))
	assert.Equal(t, protocol.StatusRequestCompleted, resp.Status)
	assert.Equal(t, protocol.OverlayIDMismatch, resp.Overlay.Status)

	assert.True(t, overlay.Exists(dir, "v2"))
	after, err := os.ReadFile(filepath.Join(dir, "a.dex"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoFileExists(t, filepath.Join(dir, "b.dex"))
}

func TestOverlayUpdateFailureNamesPath(t *testing.T) {
	h, ev := newTestHandler(t)
	root := t.TempDir()
	resp := h.Handle(context.Background(), overlayRequest(root, "", "v1", map[string]string{"../escape": "x"}))
	assert.Equal(t, protocol.OverlayUpdateFailed, resp.Overlay.Status)
	assert.Contains(t, resp.Overlay.ErrorMessage, "../escape")
	assert.False(t, overlay.Exists(filepath.Join(root, OverlayDirName), "v1"))
	assert.Positive(t, ev.Len())
}

func TestOverlayWipeAllowsEmptyExpectedID(t *testing.T) {
	h, _ := newTestHandler(t)
	root := t.TempDir()
	ctx := context.Background()
	h.Handle(ctx, overlayRequest(root, "", "v1", map[string]string{"a": "a"}))

	req := overlayRequest(root, "", "v9", map[string]string{"b": "b"})
	req.Overlay.WipeAllFiles = true
	resp := h.Handle(ctx, req)
	assert.Equal(t, protocol.OverlayUpdateOK, resp.Overlay.Status)

	dir := filepath.Join(root, OverlayDirName)
	assert.True(t, overlay.Exists(dir, "v9"))
	assert.NoFileExists(t, filepath.Join(dir, "a"))
}

func fakeAgent(t *testing.T, addr string, pid int, status protocol.AgentStatus) {
	t.Helper()
	go func() {
		c, err := net.Dial("unix", addr)
		if err != nil {
			return
		}
		defer func() { _ = c.Close() }()
		conn := protocol.NewConn(c, c)
		var swap protocol.SwapRequest
		if err := conn.ReadMessage(&swap); err != nil {
			return
		}
		_ = conn.WriteMessage(&protocol.AgentSwapResponse{PID: pid, Status: status})
	}()
}

func TestSendToAgentsCollectsReplies(t *testing.T) {
	h, _ := newTestHandler(t)
	addr := filepath.Join(t.TempDir(), "agent.sock")
	ctx := context.Background()

	resp := h.Handle(ctx, protocol.NewOpenSocket(addr))
	require.Equal(t, protocol.SocketOK, resp.Socket.Status, resp.Socket.ErrorMessage)

	fakeAgent(t, addr, 101, protocol.AgentOK)
	fakeAgent(t, addr, 102, protocol.AgentError)

	resp = h.Handle(ctx, protocol.NewSend(2, protocol.SwapRequest{PackageName: "com.example"}))
	require.NotNil(t, resp.Send)
	assert.Equal(t, protocol.SendOK, resp.Send.Status)
	require.Len(t, resp.Send.AgentResponses, 2)
	pids := []int{resp.Send.AgentResponses[0].PID, resp.Send.AgentResponses[1].PID}
	assert.ElementsMatch(t, []int{101, 102}, pids)
}

func TestSendToAgentsIncompleteOnTimeout(t *testing.T) {
	h, _ := newTestHandler(t)
	h.AcceptTimeout = 200 * time.Millisecond
	addr := filepath.Join(t.TempDir(), "agent.sock")
	ctx := context.Background()
	require.Equal(t, protocol.SocketOK, h.Handle(ctx, protocol.NewOpenSocket(addr)).Socket.Status)

	fakeAgent(t, addr, 7, protocol.AgentOK)
	resp := h.Handle(ctx, protocol.NewSend(2, protocol.SwapRequest{}))
	assert.Equal(t, protocol.SendIncomplete, resp.Send.Status)
	assert.Len(t, resp.Send.AgentResponses, 1)
}

func TestSendWithoutSocketIsIncomplete(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := h.Handle(context.Background(), protocol.NewSend(1, protocol.SwapRequest{}))
	assert.Equal(t, protocol.SendIncomplete, resp.Send.Status)

	resp = h.Handle(context.Background(), protocol.NewSend(0, protocol.SwapRequest{}))
	assert.Equal(t, protocol.SendOK, resp.Send.Status)
}

func TestAgentLogsAreConsumed(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := AgentLogPath(h.DataRoot, "com.example")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent-1.log"), []byte("one\ntwo\n"), 0o600))

	resp := h.Handle(context.Background(), protocol.NewLogRequest("com.example"))
	require.NotNil(t, resp.Log)
	require.Len(t, resp.Log.Logs, 1)
	assert.Equal(t, "agent-1.log", resp.Log.Logs[0].Source)
	assert.Equal(t, []string{"one", "two"}, resp.Log.Logs[0].Lines)
	assert.NoFileExists(t, filepath.Join(dir, "agent-1.log"))

	resp = h.Handle(context.Background(), protocol.NewLogRequest("com.example"))
	assert.Empty(t, resp.Log.Logs)
}

func TestAgentLogsRejectTraversal(t *testing.T) {
	h, ev := newTestHandler(t)
	resp := h.Handle(context.Background(), protocol.NewLogRequest("../other"))
	assert.Empty(t, resp.Log.Logs)
	assert.Equal(t, 1, ev.Len())
}
