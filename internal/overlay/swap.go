package overlay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

func stagingPattern(base string) string { return "." + base + ".staging-*" }

func retiredPath(dir string) string {
	parent, base := splitDir(dir)
	return filepath.Join(parent, "."+base+".retired")
}

// swapIn makes staging visible at dir and returns the path now holding
// the previous tree, if any.
func swapIn(staging, dir string) (string, error) {
	if _, err := os.Lstat(dir); errors.Is(err, os.ErrNotExist) {
		return "", os.Rename(staging, dir)
	}
	if err := exchange(staging, dir); err == nil {
		return staging, nil
	} else if !errors.Is(err, errExchangeUnsupported) {
		return "", err
	}
	return twoStepSwap(staging, dir)
}

// twoStepSwap is used where an atomic exchange is unavailable. A crash
// between the two renames leaves dir absent and the previous tree at
// retiredPath(dir); recoverInterrupted puts it back.
func twoStepSwap(staging, dir string) (string, error) {
	retired := retiredPath(dir)
	if err := os.RemoveAll(retired); err != nil {
		return "", err
	}
	if err := os.Rename(dir, retired); err != nil {
		return "", err
	}
	if err := os.Rename(staging, dir); err != nil {
		if rerr := os.Rename(retired, dir); rerr != nil {
			return "", fmt.Errorf("%w (restore failed: %v)", err, rerr)
		}
		return "", err
	}
	return retired, nil
}

// recoverInterrupted restores a tree retired by an interrupted two-step
// swap and discards stale staging directories.
func recoverInterrupted(dir string) error {
	retired := retiredPath(dir)
	if _, err := os.Lstat(retired); err == nil {
		if _, err := os.Lstat(dir); errors.Is(err, os.ErrNotExist) {
			if err := os.Rename(retired, dir); err != nil {
				return fmt.Errorf("restore interrupted overlay: %w", err)
			}
		} else {
			_ = os.RemoveAll(retired)
		}
	}
	parent, base := splitDir(dir)
	stale, _ := filepath.Glob(filepath.Join(parent, stagingPattern(base)))
	for _, s := range stale {
		_ = os.RemoveAll(s)
	}
	return nil
}

func splitDir(dir string) (parent, base string) {
	dir = filepath.Clean(dir)
	return filepath.Dir(dir), filepath.Base(dir)
}
