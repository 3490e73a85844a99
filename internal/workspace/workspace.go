// Package workspace holds what one command invocation needs on the
// device: directories, version, execution contexts and the event sink.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/loykin/deployr/internal/events"
	"github.com/loykin/deployr/internal/executor"
	"github.com/loykin/deployr/internal/installclient"
	"github.com/loykin/deployr/internal/staging"
)

// InstallServerBinary is the install server's file name in the binaries
// directory.
const InstallServerBinary = "install_server"

type Workspace struct {
	Version     string
	DataRoot    string
	TmpDir      string
	BinariesDir string
	BuildType   string
	RunAsBinary string
	// ServerArgs are passed to the install server binary.
	ServerArgs []string

	Executor executor.Executor
	Events   *events.Collector
	Log      *slog.Logger
}

// CodeCache is the application's code cache directory.
func (w *Workspace) CodeCache(pkg string) string {
	return filepath.Join(w.DataRoot, pkg, "code_cache")
}

// TmpPath is name inside the scratch directory.
func (w *Workspace) TmpPath(name string) string { return filepath.Join(w.TmpDir, name) }

// RunAs returns an executor running commands as pkg.
func (w *Workspace) RunAs(pkg string) executor.Executor {
	return executor.RunAs{Package: pkg, Inner: w.Executor, Binary: w.RunAsBinary}
}

// Stage copies the named binaries into the scratch directory.
func (w *Workspace) Stage(names ...string) error {
	return staging.Stager{Source: w.BinariesDir, Dest: w.TmpDir, Log: w.Log}.Stage(names...)
}

// IsUserdebug reports whether the device runs a userdebug build.
func (w *Workspace) IsUserdebug(ctx context.Context) bool {
	bt := w.BuildType
	if bt == "" && w.Executor != nil {
		out, _, err := w.Executor.Run(ctx, "getprop", "ro.build.type")
		if err == nil {
			bt = strings.TrimSpace(out)
		}
	}
	return strings.Contains(bt, "userdebug")
}

// ServerLauncher returns a launcher for the install server of pkg. The
// server runs from the code cache under a versioned name; when missing it
// is copied there from the scratch directory.
func (w *Workspace) ServerLauncher(pkg string) *installclient.Launcher {
	runAs := w.RunAs(pkg)
	execPath := filepath.Join(w.CodeCache(pkg), InstallServerBinary+"-"+w.Version)
	staged := w.TmpPath(InstallServerBinary)
	return &installclient.Launcher{
		Executor:   runAs,
		ServerPath: execPath,
		ServerArgs: w.ServerArgs,
		Copy: func(ctx context.Context) error {
			if _, stderr, err := runAs.Run(ctx, "cp", staged, execPath); err != nil {
				w.Events.Error("could not copy install server: " + stderr)
				return fmt.Errorf("copy install server: %w", err)
			}
			return nil
		},
		Events: w.Events,
		Log:    w.Log,
	}
}
