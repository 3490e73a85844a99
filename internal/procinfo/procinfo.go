// Package procinfo filters target process ids and inspects process state
// for post-hoc failure diagnosis.
package procinfo

import (
	"fmt"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// Application uids are allocated from this fixed platform range.
const (
	AppUIDMin = 10000
	AppUIDMax = 19999
)

func IsAppUID(uid uint32) bool { return uid >= AppUIDMin && uid <= AppUIDMax }

// PIDStater resolves the owning uid of a pid.
type PIDStater interface {
	UID(pid int) (uint32, error)
}

// ProcFS stats /proc/<pid>.
type ProcFS struct {
	// Root defaults to /proc.
	Root string
}

func (p ProcFS) UID(pid int) (uint32, error) {
	root := p.Root
	if root == "" {
		root = "/proc"
	}
	var st unix.Stat_t
	if err := unix.Stat(filepath.Join(root, strconv.Itoa(pid)), &st); err != nil {
		return 0, fmt.Errorf("stat pid %d: %w", pid, err)
	}
	return st.Uid, nil
}

// Dropped is a pid removed by Filter and why.
type Dropped struct {
	PID    int
	Reason string
}

// Filter keeps the pids that can be stat'd and are owned by an
// application uid, preserving order.
func Filter(s PIDStater, pids []int) (kept []int, dropped []Dropped) {
	for _, pid := range pids {
		uid, err := s.UID(pid)
		if err != nil {
			dropped = append(dropped, Dropped{PID: pid, Reason: err.Error()})
			continue
		}
		if !IsAppUID(uid) {
			dropped = append(dropped, Dropped{PID: pid, Reason: fmt.Sprintf("uid %d is not an application uid", uid)})
			continue
		}
		kept = append(kept, pid)
	}
	return kept, dropped
}
