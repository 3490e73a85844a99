// Package overlayinstall provisions the startup agent and commits an
// overlay update through the install server.
package overlayinstall

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loykin/deployr/internal/agent"
	"github.com/loykin/deployr/internal/installclient"
	"github.com/loykin/deployr/internal/protocol"
	"github.com/loykin/deployr/internal/provision"
	"github.com/loykin/deployr/internal/workspace"
)

// Request is one overlay install.
type Request struct {
	PackageName string
	Arch        agent.Arch
	Update      provision.OverlayUpdate
}

// Orchestrator runs overlay installs. Each Run owns its own server.
type Orchestrator struct {
	Workspace *workspace.Workspace
	// Launch defaults to the workspace's server launcher.
	Launch func(ctx context.Context, pkg string) (*installclient.Client, error)
}

func (o *Orchestrator) launch(ctx context.Context, pkg string) (*installclient.Client, error) {
	if o.Launch != nil {
		return o.Launch(ctx, pkg)
	}
	return o.Workspace.ServerLauncher(pkg).Start(ctx)
}

// Run always returns a response with a terminal status.
func (o *Orchestrator) Run(ctx context.Context, req *Request) *protocol.OverlayInstallResponse {
	ws := o.Workspace
	ev := ws.Events
	log := ws.Log
	if log == nil {
		log = slog.Default()
	}
	resp := &protocol.OverlayInstallResponse{}
	defer func() { resp.Events = ev.Drain() }()

	lib := agent.LibraryFor(req.Arch)
	if err := ws.Stage(workspace.InstallServerBinary, lib); err != nil {
		ev.Error("Extracting binaries failed: " + err.Error())
		resp.Status = protocol.InstallSetupFailed
		resp.Extra = err.Error()
		return resp
	}

	client, err := o.launch(ctx, req.PackageName)
	if err != nil {
		ev.Error(err.Error())
		resp.Status = protocol.InstallStartServerFailed
		resp.Extra = workspace.InstallServerBinary
		return resp
	}
	defer func() {
		evs, err := client.KillServerAndWait()
		if err != nil {
			log.Warn("install server did not exit cleanly", "error", err)
		}
		ev.Add(evs...)
		_ = client.Close()
		// runs before the drain deferred above
	}()

	if _, err := provision.StartupAgent(ctx, ws, client, req.PackageName, lib); err != nil {
		resp.Status = protocol.InstallSetupFailed
		resp.Extra = err.Error()
		return resp
	}

	resp.Status, resp.Extra = o.update(client, ws.CodeCache(req.PackageName), req.Update)
	resp.AgentLogs = o.agentLogs(client, req.PackageName, log)
	return resp
}

func (o *Orchestrator) update(c *installclient.Client, codeCache string, u provision.OverlayUpdate) (protocol.OverlayInstallStatus, string) {
	ev := o.Workspace.Events
	defer ev.Phase("UpdateOverlay")()
	r, err := c.Call(protocol.NewOverlayUpdate(u.Request(codeCache)))
	if err != nil {
		ev.Error(err.Error())
		if errors.Is(err, installclient.ErrWrite) {
			return protocol.InstallWriteToServerFailed, ""
		}
		return protocol.InstallReadFromServerFailed, ""
	}
	if r.Overlay == nil {
		return protocol.InstallReadFromServerFailed, ""
	}
	switch r.Overlay.Status {
	case protocol.OverlayUpdateOK:
		return protocol.InstallOK, ""
	case protocol.OverlayIDMismatch:
		return protocol.InstallOverlayIDMismatch, r.Overlay.ErrorMessage
	default:
		return protocol.InstallOverlayUpdateFailed, r.Overlay.ErrorMessage
	}
}

// agentLogs is best effort; failures are logged and dropped.
func (o *Orchestrator) agentLogs(c *installclient.Client, pkg string, log *slog.Logger) []protocol.AgentLog {
	defer o.Workspace.Events.Phase("GetAgentLogs")()
	r, err := c.Call(protocol.NewLogRequest(pkg))
	if err != nil {
		log.Warn("could not retrieve agent logs", "package", pkg, "error", err)
		return nil
	}
	if r.Log == nil {
		return nil
	}
	return r.Log.Logs
}
