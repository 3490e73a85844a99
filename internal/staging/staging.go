// Package staging copies the binaries a command needs into its scratch
// directory.
package staging

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Stager copies named binaries from Source to Dest.
type Stager struct {
	Source string
	Dest   string
	Log    *slog.Logger
}

// Stage copies every named binary, skipping those whose staged copy
// already has the same BLAKE3 digest. A missing source is an error.
func (s Stager) Stage(names ...string) error {
	if err := os.MkdirAll(s.Dest, 0o750); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	for _, name := range names {
		if name == "" || filepath.Base(name) != name {
			return fmt.Errorf("invalid binary name %q", name)
		}
		src := filepath.Join(s.Source, name)
		dst := filepath.Join(s.Dest, name)
		same, err := sameContent(src, dst)
		if err != nil {
			return err
		}
		if same {
			s.logger().Debug("binary already staged", "name", name)
			continue
		}
		if err := copyExecutable(src, dst); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
		s.logger().Debug("staged binary", "name", name, "dest", dst)
	}
	return nil
}

func (s Stager) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func digest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func sameContent(src, dst string) (bool, error) {
	srcSum, err := digest(src)
	if err != nil {
		return false, fmt.Errorf("read binary: %w", err)
	}
	dstSum, err := digest(dst)
	if err != nil {
		// absent or unreadable: copy over it
		return false, nil
	}
	return bytes.Equal(srcSum, dstSum), nil
}

// copyExecutable writes src to dst through a temp file and rename so a
// concurrent reader never sees a partial binary.
func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".stage-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// #nosec G302 staged binaries must be executable by the application
	if err := os.Chmod(tmpPath, 0o755); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return err
	}
	tmp = nil
	return nil
}
