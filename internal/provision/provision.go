// Package provision prepares the on-device layout the agent and the
// overlay depend on. Every file operation runs as the application.
package provision

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/loykin/deployr/internal/installclient"
	"github.com/loykin/deployr/internal/payload"
	"github.com/loykin/deployr/internal/protocol"
	"github.com/loykin/deployr/internal/workspace"
)

const (
	StartupAgentsDir = "startup_agents"
	StudioDir        = ".studio"
)

// ErrSetup wraps every provisioning failure.
var ErrSetup = errors.New("provision: setup failed")

// CheckFilesExist asks the install server which of files are missing.
func CheckFilesExist(c *installclient.Client, files ...string) (map[string]bool, error) {
	resp, err := c.Call(protocol.NewCheck(files...))
	if err != nil {
		return nil, err
	}
	missing := make(map[string]bool)
	if resp.Check != nil {
		for _, f := range resp.Check.MissingFiles {
			missing[f] = true
		}
	}
	return missing, nil
}

// Agent makes sure the versioned agent library sits in the code cache and
// returns its path.
func Agent(ctx context.Context, ws *workspace.Workspace, c *installclient.Client, pkg, lib string) (string, error) {
	defer ws.Events.Phase("SetUpAgent")()
	agentPath := filepath.Join(ws.CodeCache(pkg), ws.Version+"-"+lib)
	missing, err := CheckFilesExist(c, agentPath)
	if err != nil {
		return "", fmt.Errorf("%w: check agent: %w", ErrSetup, err)
	}
	if missing[agentPath] {
		if err := run(ctx, ws, pkg, "Could not copy agent", "cp", ws.TmpPath(lib), agentPath); err != nil {
			return "", err
		}
	}
	return agentPath, nil
}

// StartupAgent lays out code_cache/startup_agents/<version>-<lib> and
// code_cache/.studio/. Agents are versioned by file name, so a startup
// directory without our agent holds someone else's and is recreated.
func StartupAgent(ctx context.Context, ws *workspace.Workspace, c *installclient.Client, pkg, lib string) (string, error) {
	defer ws.Events.Phase("SetUpStartupAgent")()
	codeCache := ws.CodeCache(pkg)
	startupPath := filepath.Join(codeCache, StartupAgentsDir)
	studioPath := filepath.Join(codeCache, StudioDir)
	agentPath := filepath.Join(startupPath, ws.Version+"-"+lib)

	missing, err := CheckFilesExist(c, startupPath, studioPath, agentPath)
	if err != nil {
		return "", fmt.Errorf("%w: check files: %w", ErrSetup, err)
	}
	missingStartup := missing[startupPath]
	missingAgent := missing[agentPath]

	if !missingStartup && missingAgent {
		if err := run(ctx, ws, pkg, "Could not remove old agents", "rm", "-f", "-r", startupPath); err != nil {
			return "", err
		}
		missingStartup = true
	}
	if missingStartup {
		if err := run(ctx, ws, pkg, "Could not create startup agent directory", "mkdir", startupPath); err != nil {
			return "", err
		}
	}
	if missing[studioPath] {
		if err := run(ctx, ws, pkg, "Could not create studio directory", "mkdir", studioPath); err != nil {
			return "", err
		}
	}
	if missingAgent {
		if err := run(ctx, ws, pkg, "Could not copy binaries", "cp", ws.TmpPath(lib), agentPath); err != nil {
			return "", err
		}
	}
	return agentPath, nil
}

func run(ctx context.Context, ws *workspace.Workspace, pkg, what, name string, args ...string) error {
	_, stderr, err := ws.RunAs(pkg).Run(ctx, name, args...)
	if err != nil {
		ws.Events.Error(what + ": " + stderr)
		return fmt.Errorf("%w: %s: %w", ErrSetup, what, err)
	}
	return nil
}

// OverlayUpdate is a host-side overlay change set.
type OverlayUpdate struct {
	ExpectedID string
	ID         string
	Wipe       bool
	Files      []File
	Deletes    []string
}

// File is one overlay file and its content.
type File struct {
	Path    string
	Content []byte
}

// Request builds the wire request for the overlay rooted under codeCache.
// Contents are compressed when that makes them smaller.
func (u OverlayUpdate) Request(codeCache string) protocol.OverlayUpdateRequest {
	req := protocol.OverlayUpdateRequest{
		OverlayPath:   codeCache,
		ExpectedID:    u.ExpectedID,
		ID:            u.ID,
		WipeAllFiles:  u.Wipe,
		FilesToDelete: u.Deletes,
	}
	for _, f := range u.Files {
		req.FilesToWrite = append(req.FilesToWrite, protocol.OverlayFile{Path: f.Path, Content: payload.Encode(f.Content)})
	}
	return req
}
