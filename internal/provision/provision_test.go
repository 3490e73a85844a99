package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/deployr/internal/devicetest"
	"github.com/loykin/deployr/internal/events"
	"github.com/loykin/deployr/internal/payload"
	"github.com/loykin/deployr/internal/workspace"
)

const pkg = "com.example.app"

func setup(t *testing.T) (*workspace.Workspace, *devicetest.Executor, *devicetest.Server) {
	t.Helper()
	root := t.TempDir()
	exec := &devicetest.Executor{}
	ws := &workspace.Workspace{
		Version:  "3",
		DataRoot: filepath.Join(root, "data"),
		TmpDir:   filepath.Join(root, "tmp"),
		Executor: exec,
		Events:   events.NewCollector(nil),
	}
	require.NoError(t, os.MkdirAll(ws.CodeCache(pkg), 0o750))
	require.NoError(t, os.MkdirAll(ws.TmpDir, 0o750))
	require.NoError(t, os.WriteFile(ws.TmpPath("agent.so"), []byte("agent"), 0o600))
	return ws, exec, devicetest.StartServer(t, ws.DataRoot)
}

func countCalls(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestAgentCopiesOnce(t *testing.T) {
	ws, exec, srv := setup(t)
	ctx := context.Background()

	path, err := Agent(ctx, ws, srv.Client(), pkg, "agent.so")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.CodeCache(pkg), "3-agent.so"), path)
	assert.FileExists(t, path)

	_, err = Agent(ctx, ws, srv.Client(), pkg, "agent.so")
	require.NoError(t, err)
	assert.Equal(t, 1, countCalls(exec.Calls(), "run-as "+pkg+" cp"))
}

func TestAgentCopyFailure(t *testing.T) {
	ws, _, srv := setup(t)
	ws.Executor = &devicetest.Executor{Fail: map[string]error{"cp": errors.New("no space left")}}

	_, err := Agent(context.Background(), ws, srv.Client(), pkg, "agent.so")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSetup)

	var sawError bool
	for _, e := range ws.Events.Drain() {
		if e.Type == events.TypeError && strings.HasPrefix(e.Text, "Could not copy agent") {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestStartupAgentLayout(t *testing.T) {
	ws, _, srv := setup(t)
	cc := ws.CodeCache(pkg)

	path, err := StartupAgent(context.Background(), ws, srv.Client(), pkg, "agent.so")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cc, StartupAgentsDir, "3-agent.so"), path)
	assert.FileExists(t, path)
	assert.DirExists(t, filepath.Join(cc, StudioDir))
}

func TestStartupAgentReplacesOldVersion(t *testing.T) {
	ws, _, srv := setup(t)
	cc := ws.CodeCache(pkg)
	old := filepath.Join(cc, StartupAgentsDir, "2-agent.so")
	require.NoError(t, os.MkdirAll(filepath.Dir(old), 0o750))
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(cc, StudioDir), 0o750))

	path, err := StartupAgent(context.Background(), ws, srv.Client(), pkg, "agent.so")
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.NoFileExists(t, old)
}

func TestStartupAgentUpToDate(t *testing.T) {
	ws, exec, srv := setup(t)
	ctx := context.Background()
	_, err := StartupAgent(ctx, ws, srv.Client(), pkg, "agent.so")
	require.NoError(t, err)
	before := len(exec.Calls())

	_, err = StartupAgent(ctx, ws, srv.Client(), pkg, "agent.so")
	require.NoError(t, err)
	assert.Equal(t, before, len(exec.Calls()), "nothing to do the second time")
}

func TestOverlayUpdateRequest(t *testing.T) {
	big := []byte(strings.Repeat("abcdefgh", 512))
	u := OverlayUpdate{
		ExpectedID: "a",
		ID:         "b",
		Wipe:       true,
		Files:      []File{{Path: "x/classes.dex", Content: big}},
		Deletes:    []string{"old.dex"},
	}
	req := u.Request("/data/app/cc")
	assert.Equal(t, "/data/app/cc", req.OverlayPath)
	assert.Equal(t, "a", req.ExpectedID)
	assert.Equal(t, "b", req.ID)
	assert.True(t, req.WipeAllFiles)
	assert.Equal(t, []string{"old.dex"}, req.FilesToDelete)
	require.Len(t, req.FilesToWrite, 1)

	content := req.FilesToWrite[0].Content
	assert.NotEqual(t, payload.EncodingNone, content.Encoding, "repetitive content is compressed")
	got, err := content.Decode()
	require.NoError(t, err)
	assert.Equal(t, big, got)
}
