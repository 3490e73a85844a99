// Package overlay implements the versioned file overlay that the runtime
// agent consults at class-load time.
//
// An overlay is a directory holding the overlay files plus two reserved
// entries: .id (the opaque version id) and .manifest (size and BLAKE3
// digest per file). Mutations are staged in memory and applied by Commit,
// which materializes the complete next tree in a sibling directory and
// swaps it into place. A failed Commit never touches the visible tree.
package overlay

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

const (
	IDFile       = ".id"
	ManifestFile = ".manifest"

	dirPerm  = 0o750
	filePerm = 0o600
)

var (
	// ErrCorrupt reports an overlay whose manifest disagrees with its content.
	ErrCorrupt = errors.New("overlay: corrupt")
	// ErrInvalidPath reports a path that escapes the overlay or names a
	// reserved entry.
	ErrInvalidPath = errors.New("overlay: invalid path")
	// ErrIDMismatch reports a failed expected-id precondition.
	ErrIDMismatch = errors.New("overlay: id mismatch")
)

// PathError names the overlay path an operation failed on.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string { return e.Op + " " + e.Path + ": " + e.Err.Error() }
func (e *PathError) Unwrap() error { return e.Err }

type entry struct {
	Size   int64  `cbor:"1,keyasint"`
	Digest string `cbor:"2,keyasint"`
}

type manifest struct {
	ID    string           `cbor:"1,keyasint"`
	Files map[string]entry `cbor:"2,keyasint"`
}

// Overlay is an opened overlay directory with pending changes. It is not
// safe for concurrent use; the install server touches it from a single
// goroutine.
type Overlay struct {
	dir     string
	current manifest
	writes  map[string][]byte
	order   []string
	deletes map[string]struct{}
}

// Open loads the overlay at dir. A missing dir opens as an empty overlay
// with id "". Open fails with ErrCorrupt when the manifest lists a file
// that is missing or has the wrong size.
func Open(dir string) (*Overlay, error) {
	if err := recoverInterrupted(dir); err != nil {
		return nil, err
	}
	o := &Overlay{
		dir:     dir,
		current: manifest{Files: map[string]entry{}},
		writes:  map[string][]byte{},
		deletes: map[string]struct{}{},
	}
	fi, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return o, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat overlay: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrCorrupt, dir)
	}
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	id, err := readID(dir)
	if err != nil {
		return nil, err
	}
	if m.ID != id {
		return nil, fmt.Errorf("%w: manifest id %q does not match %q", ErrCorrupt, m.ID, id)
	}
	for p, e := range m.Files {
		fi, err := os.Lstat(filepath.Join(dir, filepath.FromSlash(p)))
		if err != nil || !fi.Mode().IsRegular() || fi.Size() != e.Size {
			return nil, fmt.Errorf("%w: %s does not match manifest", ErrCorrupt, p)
		}
	}
	o.current = m
	return o, nil
}

// Dir returns the overlay directory.
func (o *Overlay) Dir() string { return o.dir }

// ID returns the committed id.
func (o *Overlay) ID() string { return o.current.ID }

// Files lists committed overlay paths in lexical order.
func (o *Overlay) Files() []string {
	out := make([]string, 0, len(o.current.Files))
	for p := range o.current.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Digest returns the hex BLAKE3 digest recorded for a committed path.
func (o *Overlay) Digest(p string) (string, bool) {
	e, ok := o.current.Files[p]
	return e.Digest, ok
}

// WriteFile stages content for p.
func (o *Overlay) WriteFile(p string, content []byte) error {
	clean, err := cleanPath(p)
	if err != nil {
		return &PathError{Op: "write", Path: p, Err: err}
	}
	if _, ok := o.writes[clean]; !ok {
		o.order = append(o.order, clean)
	}
	o.writes[clean] = content
	delete(o.deletes, clean)
	return nil
}

// DeleteFile stages removal of p. Deleting a path the overlay does not
// hold is not an error.
func (o *Overlay) DeleteFile(p string) error {
	clean, err := cleanPath(p)
	if err != nil {
		return &PathError{Op: "delete", Path: p, Err: err}
	}
	if _, ok := o.writes[clean]; ok {
		delete(o.writes, clean)
		o.order = removeString(o.order, clean)
	}
	o.deletes[clean] = struct{}{}
	return nil
}

// Pending reports the number of staged writes and deletions.
func (o *Overlay) Pending() (writes, deletes int) { return len(o.writes), len(o.deletes) }

// Commit applies all staged operations and advances the id to newID. On
// success the overlay reflects every staged change; on failure the
// visible directory is exactly as it was and the staged changes are kept.
func (o *Overlay) Commit(newID string) error {
	parent, base := splitDir(o.dir)
	if err := os.MkdirAll(parent, dirPerm); err != nil {
		return fmt.Errorf("create overlay parent: %w", err)
	}
	staging, err := os.MkdirTemp(parent, stagingPattern(base))
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	next := manifest{ID: newID, Files: make(map[string]entry, len(o.current.Files)+len(o.writes))}
	for p, e := range o.current.Files {
		if _, gone := o.deletes[p]; gone {
			continue
		}
		if _, replaced := o.writes[p]; replaced {
			continue
		}
		if err := carryOver(filepath.Join(o.dir, filepath.FromSlash(p)), filepath.Join(staging, filepath.FromSlash(p))); err != nil {
			return &PathError{Op: "carry over", Path: p, Err: err}
		}
		next.Files[p] = e
	}
	for _, p := range o.order {
		content := o.writes[p]
		if err := writeSynced(filepath.Join(staging, filepath.FromSlash(p)), content); err != nil {
			return &PathError{Op: "write", Path: p, Err: err}
		}
		sum := blake3.Sum256(content)
		next.Files[p] = entry{Size: int64(len(content)), Digest: hex.EncodeToString(sum[:])}
	}
	mb, err := cbor.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeSynced(filepath.Join(staging, ManifestFile), mb); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := writeSynced(filepath.Join(staging, IDFile), []byte(newID)); err != nil {
		return fmt.Errorf("write id: %w", err)
	}
	if err := syncDir(staging); err != nil {
		return err
	}

	retired, err := swapIn(staging, o.dir)
	if err != nil {
		return fmt.Errorf("swap overlay into place: %w", err)
	}
	committed = true
	if retired != "" {
		_ = os.RemoveAll(retired)
	}
	_ = syncDir(parent)

	o.current = next
	o.writes = map[string][]byte{}
	o.order = nil
	o.deletes = map[string]struct{}{}
	return nil
}

// Verify rehashes every committed file against the manifest.
func (o *Overlay) Verify() error {
	for _, p := range o.Files() {
		e := o.current.Files[p]
		f, err := os.Open(filepath.Join(o.dir, filepath.FromSlash(p)))
		if err != nil {
			return &PathError{Op: "verify", Path: p, Err: err}
		}
		h := blake3.New()
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return &PathError{Op: "verify", Path: p, Err: err}
		}
		if hex.EncodeToString(h.Sum(nil)) != e.Digest {
			return &PathError{Op: "verify", Path: p, Err: ErrCorrupt}
		}
	}
	return nil
}

// Exists reports whether dir holds an overlay whose id is id.
func Exists(dir, id string) bool {
	if _, err := os.Stat(dir); err != nil {
		return false
	}
	stored, err := readID(dir)
	return err == nil && stored == id
}

// IDMatches is the expected-id precondition: for an absent dir only the
// empty id matches; otherwise expected must equal the stored id.
func IDMatches(dir, expected string) bool {
	if err := recoverInterrupted(dir); err != nil {
		return false
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return expected == ""
	}
	return Exists(dir, expected)
}

// CheckID is IDMatches returning ErrIDMismatch with the stored id.
func CheckID(dir, expected string) error {
	if IDMatches(dir, expected) {
		return nil
	}
	stored := ""
	if _, err := os.Stat(dir); err == nil {
		stored, _ = readID(dir)
	}
	return fmt.Errorf("%w: expected %q, found %q", ErrIDMismatch, expected, stored)
}

// Wipe removes the overlay and any leftovers of interrupted commits.
func Wipe(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("wipe overlay: %w", err)
	}
	parent, base := splitDir(dir)
	leftovers, _ := filepath.Glob(filepath.Join(parent, "."+base+".*"))
	for _, l := range leftovers {
		if err := os.RemoveAll(l); err != nil {
			return fmt.Errorf("wipe overlay leftovers: %w", err)
		}
	}
	return nil
}

func readID(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, IDFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read overlay id: %w", err)
	}
	return string(b), nil
}

func readManifest(dir string) (manifest, error) {
	m := manifest{Files: map[string]entry{}}
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := cbor.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%w: manifest: %v", ErrCorrupt, err)
	}
	if m.Files == nil {
		m.Files = map[string]entry{}
	}
	return m, nil
}

// cleanPath normalizes p to a slash-separated path inside the overlay.
func cleanPath(p string) (string, error) {
	if p == "" {
		return "", ErrInvalidPath
	}
	c := path.Clean(filepath.ToSlash(p))
	if path.IsAbs(c) || c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", ErrInvalidPath
	}
	first, _, _ := strings.Cut(c, "/")
	if first == IDFile || first == ManifestFile {
		return "", ErrInvalidPath
	}
	return c, nil
}

func carryOver(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return err
	}
	// Committed files are never modified in place, so a hard link is
	// equivalent to a copy.
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func writeSynced(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), dirPerm); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
