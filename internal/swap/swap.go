// Package swap delivers a patch into running application processes
// through attached agents and classifies the outcome.
package swap

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/loykin/deployr/internal/agent"
	"github.com/loykin/deployr/internal/installclient"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/procinfo"
	"github.com/loykin/deployr/internal/protocol"
	"github.com/loykin/deployr/internal/provision"
	"github.com/loykin/deployr/internal/workspace"
)

// Request describes one swap.
type Request struct {
	PackageName     string
	ProcessIDs      []int
	ExtraAgents     int
	Arch            agent.Arch
	Payload         []byte
	RestartActivity bool
	// Overlay, when set, is applied after a successful swap.
	Overlay *provision.OverlayUpdate
}

func (r *Request) nothingToDo() bool {
	return len(r.ProcessIDs) == 0 && r.ExtraAgents == 0 && r.Overlay == nil
}

// Session is what strategies get to work with.
type Session struct {
	Workspace *workspace.Workspace
	Client    *installclient.Client
	Request   *Request
}

// Strategy is the variable part of a swap.
type Strategy interface {
	// Provision prepares the device and returns the agent path to attach.
	// An error aborts the swap with SwapSetupFailed.
	Provision(ctx context.Context, s *Session) (string, error)
	BuildRequest(s *Session) protocol.SwapRequest
	// ProcessResponse runs after the swap, whatever its outcome.
	ProcessResponse(ctx context.Context, s *Session, resp *protocol.SwapResponse)
}

// LaunchFunc starts an install server for a package.
type LaunchFunc func(ctx context.Context, pkg string) (*installclient.Client, error)

// Orchestrator runs one swap. It owns the install client for the
// duration of Run and is not reusable concurrently.
type Orchestrator struct {
	Workspace *workspace.Workspace
	Strategy  Strategy
	Attacher  agent.Attacher
	Inspector procinfo.Inspector
	Stater    procinfo.PIDStater
	// Launch defaults to the workspace's server launcher.
	Launch       LaunchFunc
	AgentAddress string

	OnTransition func(from, to State)

	state State
	log   *slog.Logger
}

func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) transition(to State) {
	from := o.state
	o.state = to
	metrics.RecordStateTransition("swap", from.String(), to.String())
	o.log.Debug("swap state", "from", from.String(), "to", to.String())
	if o.OnTransition != nil {
		o.OnTransition(from, to)
	}
}

func (o *Orchestrator) launch(ctx context.Context, pkg string) (*installclient.Client, error) {
	if o.Launch != nil {
		return o.Launch(ctx, pkg)
	}
	return o.Workspace.ServerLauncher(pkg).Start(ctx)
}

func (o *Orchestrator) address() string {
	if o.AgentAddress != "" {
		return o.AgentAddress
	}
	return agent.DefaultAddress
}

// Run performs the swap and always returns a response with a terminal
// status.
func (o *Orchestrator) Run(ctx context.Context, req *Request) *protocol.SwapResponse {
	o.log = o.Workspace.Log
	if o.log == nil {
		o.log = slog.Default()
	}
	o.state = StateSetup
	ev := o.Workspace.Events
	resp := &protocol.SwapResponse{}
	defer func() {
		o.transition(StateDone)
		resp.Events = ev.Drain()
	}()

	if req.nothingToDo() {
		ev.Log("No PIDs needs to be swapped")
		resp.Status = protocol.SwapOK
		return resp
	}

	lib := agent.LibraryFor(req.Arch)
	if err := o.Workspace.Stage(workspace.InstallServerBinary, lib); err != nil {
		ev.Error("Extracting binaries failed: " + err.Error())
		resp.Status = protocol.SwapSetupFailed
		resp.Extra = err.Error()
		return resp
	}

	client, err := o.launch(ctx, req.PackageName)
	if err != nil {
		ev.Error(err.Error())
		resp.Status = protocol.SwapStartServerFailed
		if o.Workspace.IsUserdebug(ctx) {
			resp.Status = protocol.SwapStartServerFailedUserdebug
		}
		resp.Extra = workspace.InstallServerBinary
		return resp
	}
	o.transition(StateServerStarted)

	sess := &Session{Workspace: o.Workspace, Client: client, Request: req}
	agentPath, err := o.Strategy.Provision(ctx, sess)
	if err != nil {
		ev.Error(err.Error())
		resp.Status = protocol.SwapSetupFailed
		resp.Extra = err.Error()
	} else {
		o.swap(ctx, sess, agentPath, o.Strategy.BuildRequest(sess), resp)
	}
	o.Strategy.ProcessResponse(ctx, sess, resp)

	o.shutdown(client)
	return resp
}

// shutdown stops the server and folds its drained events into ours.
func (o *Orchestrator) shutdown(client *installclient.Client) {
	evs, err := client.KillServerAndWait()
	if err != nil {
		o.log.Warn("install server did not exit cleanly", "error", err)
	}
	o.Workspace.Events.Add(evs...)
	if err := client.Close(); err != nil {
		o.log.Debug("closing install client", "error", err)
	}
}

func (o *Orchestrator) swap(ctx context.Context, sess *Session, agentPath string, swapReq protocol.SwapRequest, resp *protocol.SwapResponse) {
	ev := o.Workspace.Events
	defer ev.Phase("Swap")()
	req := sess.Request

	targets := o.filter(req.ProcessIDs)
	if len(targets) == 0 && req.ExtraAgents == 0 {
		ev.Log("No PIDs needs to be swapped")
		resp.Status = protocol.SwapOK
		return
	}
	baseline := o.snapshot(req.ProcessIDs)

	// The server must listen before any agent is attached; agents connect
	// right after attach.
	if status := o.listen(sess.Client); status != protocol.SwapOK {
		resp.Status = status
		return
	}
	o.transition(StateAgentsListening)

	if !o.attach(ctx, targets, agentPath) {
		resp.Status = protocol.SwapAgentAttachFailed
		return
	}
	o.transition(StateAgentsAttached)

	if err := sess.Client.Write(protocol.NewSend(len(targets)+req.ExtraAgents, swapReq)); err != nil {
		ev.Error("could not send swap request: " + err.Error())
		resp.Status = protocol.SwapWriteToServerFailed
		return
	}
	o.transition(StateRequestSent)

	serverResp, err := sess.Client.Read()
	if err != nil || serverResp.Status != protocol.StatusRequestCompleted || serverResp.Send == nil {
		if err != nil {
			ev.Error("could not read swap response: " + err.Error())
		}
		resp.Status = protocol.SwapReadFromServerFailed
		return
	}
	o.transition(StateAggregated)

	sent := serverResp.Send
	for _, ar := range sent.AgentResponses {
		ev.Add(ar.Events...)
		if ar.Status != protocol.AgentOK {
			failed := ar
			failed.Events = nil
			resp.FailedAgents = append(resp.FailedAgents, failed)
		}
	}
	if sent.Status == protocol.SendOK {
		if len(resp.FailedAgents) == 0 {
			resp.Status = protocol.SwapOK
		} else {
			resp.Status = protocol.SwapAgentError
		}
		return
	}
	resp.Status, resp.Extra = diagnose(o.Inspector, targets, req.ProcessIDs, baseline)
}

func (o *Orchestrator) filter(pids []int) []int {
	defer o.Workspace.Events.Phase("FilterProcessIds")()
	kept, dropped := procinfo.Filter(o.Stater, pids)
	for _, d := range dropped {
		o.Workspace.Events.Log(fmt.Sprintf("Ignoring pid '%d'; %s", d.PID, d.Reason))
	}
	return kept
}

func (o *Orchestrator) snapshot(pids []int) map[int]procinfo.Record {
	out := make(map[int]procinfo.Record, len(pids))
	for _, pid := range pids {
		if rec, ok := o.Inspector.Inspect(pid); ok {
			out[pid] = rec
		}
	}
	return out
}

func (o *Orchestrator) listen(c *installclient.Client) protocol.SwapStatus {
	defer o.Workspace.Events.Phase("ListenForAgents")()
	if err := c.Write(protocol.NewOpenSocket(o.address())); err != nil {
		return protocol.SwapWriteToServerFailed
	}
	resp, err := c.Read()
	if err != nil {
		return protocol.SwapReadFromServerFailed
	}
	if resp.Status != protocol.StatusRequestCompleted || resp.Socket == nil || resp.Socket.Status != protocol.SocketOK {
		if resp.Socket != nil && resp.Socket.ErrorMessage != "" {
			o.Workspace.Events.Error(resp.Socket.ErrorMessage)
		}
		return protocol.SwapReadyForAgentsNotReceived
	}
	return protocol.SwapOK
}

// attach stops at the first failure.
func (o *Orchestrator) attach(ctx context.Context, pids []int, agentPath string) bool {
	ev := o.Workspace.Events
	defer ev.Phase("AttachAgents")()
	for _, pid := range pids {
		ev.Log("Attaching agent: '" + agentPath + "' to " + strconv.Itoa(pid))
		out, err := o.Attacher.Attach(ctx, pid, agentPath, o.address())
		if err != nil {
			ev.Error("Could not attach agent to process: " + out)
			o.log.Warn("agent attach failed", "pid", pid, "error", err)
			return false
		}
	}
	return true
}

// diagnose explains why not every agent replied. Crashing beats not
// responding, which beats terminated; anything else is unexplained.
// Crashing and not responding are judged on the attached targets, while
// any requested pid that is gone counts as terminated.
func diagnose(in procinfo.Inspector, targets, requested []int, baseline map[int]procinfo.Record) (protocol.SwapStatus, string) {
	live := make(map[int]procinfo.Record, len(requested))
	for _, pid := range append(append([]int{}, targets...), requested...) {
		if _, done := live[pid]; done {
			continue
		}
		rec, ok := in.Inspect(pid)
		if !ok {
			continue
		}
		if before, seen := baseline[pid]; seen && before.StartTime != 0 && rec.StartTime != before.StartTime {
			// pid reused by another process
			continue
		}
		live[pid] = rec
	}
	for _, pid := range targets {
		if rec, ok := live[pid]; ok && rec.Crashing {
			return protocol.SwapProcessCrashing, nameOf(rec)
		}
	}
	for _, pid := range targets {
		if rec, ok := live[pid]; ok && rec.NotResponding {
			return protocol.SwapProcessNotResponding, nameOf(rec)
		}
	}
	for _, pid := range requested {
		if _, ok := live[pid]; !ok {
			return protocol.SwapProcessTerminated, strconv.Itoa(pid)
		}
	}
	return protocol.SwapMissingAgentResponses, ""
}

func nameOf(rec procinfo.Record) string {
	if rec.Name != "" {
		return rec.Name
	}
	return strconv.Itoa(rec.PID)
}
