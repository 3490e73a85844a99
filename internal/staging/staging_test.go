package staging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageCopiesAndSkipsIdentical(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "tmp")
	require.NoError(t, os.WriteFile(filepath.Join(src, "install_server"), []byte("server-v1"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "agent.so"), []byte("agent"), 0o600))

	s := Stager{Source: src, Dest: dst}
	require.NoError(t, s.Stage("install_server", "agent.so"))

	b, err := os.ReadFile(filepath.Join(dst, "install_server"))
	require.NoError(t, err)
	assert.Equal(t, "server-v1", string(b))
	fi, err := os.Stat(filepath.Join(dst, "install_server"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode().Perm()&0o100, "staged binary must be executable")

	// identical content is left alone
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dst, "agent.so"), old, old))
	require.NoError(t, s.Stage("agent.so"))
	fi, err = os.Stat(filepath.Join(dst, "agent.so"))
	require.NoError(t, err)
	assert.WithinDuration(t, old, fi.ModTime(), time.Second)

	// changed content is recopied
	require.NoError(t, os.WriteFile(filepath.Join(src, "install_server"), []byte("server-v2"), 0o600))
	require.NoError(t, s.Stage("install_server"))
	b, err = os.ReadFile(filepath.Join(dst, "install_server"))
	require.NoError(t, err)
	assert.Equal(t, "server-v2", string(b))
}

func TestStageMissingSource(t *testing.T) {
	s := Stager{Source: t.TempDir(), Dest: t.TempDir()}
	assert.Error(t, s.Stage("agent.so"))
}

func TestStageRejectsPaths(t *testing.T) {
	s := Stager{Source: t.TempDir(), Dest: t.TempDir()}
	assert.Error(t, s.Stage("../agent.so"))
	assert.Error(t, s.Stage(""))
}
