package deployr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/deployr/internal/agent"
	cfg "github.com/loykin/deployr/internal/config"
	"github.com/loykin/deployr/internal/events"
	"github.com/loykin/deployr/internal/executor"
	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/history/factory"
	"github.com/loykin/deployr/internal/installclient"
	"github.com/loykin/deployr/internal/installserver"
	"github.com/loykin/deployr/internal/metrics"
	"github.com/loykin/deployr/internal/overlayinstall"
	"github.com/loykin/deployr/internal/procinfo"
	"github.com/loykin/deployr/internal/protocol"
	"github.com/loykin/deployr/internal/provision"
	"github.com/loykin/deployr/internal/swap"
	"github.com/loykin/deployr/internal/workspace"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type SwapRequest = swap.Request

type SwapResponse = protocol.SwapResponse

type OverlayInstallRequest = overlayinstall.Request

type OverlayInstallResponse = protocol.OverlayInstallResponse

type OverlayUpdate = provision.OverlayUpdate

type OverlayFile = provision.File

type Arch = agent.Arch

type HistorySink = history.Sink

const (
	Arch64 = agent.Arch64
	Arch32 = agent.Arch32
)

// LoadConfig reads configuration from path (optional), DEPLOYR_
// environment variables and defaults.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Deployer runs host-side commands against one device.
type Deployer struct {
	cfg       *Config
	exec      executor.Executor
	log       *slog.Logger
	attacher  agent.Attacher
	inspector procinfo.Inspector
	stater    procinfo.PIDStater
	launch    func(ctx context.Context, pkg string) (*installclient.Client, error)
	sinks     []history.Sink
	recorder  *history.Recorder
}

type Option func(*Deployer)

func WithExecutor(e executor.Executor) Option { return func(d *Deployer) { d.exec = e } }

func WithLogger(l *slog.Logger) Option { return func(d *Deployer) { d.log = l } }

func WithAttacher(a agent.Attacher) Option { return func(d *Deployer) { d.attacher = a } }

func WithInspector(i procinfo.Inspector) Option { return func(d *Deployer) { d.inspector = i } }

func WithPIDStater(s procinfo.PIDStater) Option { return func(d *Deployer) { d.stater = s } }

// WithHistory replaces the sinks opened from the configured DSNs.
func WithHistory(sinks ...HistorySink) Option {
	return func(d *Deployer) { d.sinks = append([]history.Sink{}, sinks...) }
}

// WithLaunch replaces the install server launcher.
func WithLaunch(fn func(ctx context.Context, pkg string) (*installclient.Client, error)) Option {
	return func(d *Deployer) { d.launch = fn }
}

// New builds a Deployer. Metrics are registered with the default
// registry; history sinks come from c.History.DSNs unless WithHistory is
// given.
func New(c *Config, opts ...Option) (*Deployer, error) {
	d := &Deployer{cfg: c}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = c.Log.Logger().NewSlogger()
	}
	if d.exec == nil {
		d.exec = executor.Local{Log: d.log}
	}
	if d.attacher == nil {
		d.attacher = agent.CmdAttacher{Executor: d.exec}
	}
	if d.inspector == nil {
		d.inspector = procinfo.SystemInspector{}
	}
	if d.stater == nil {
		d.stater = procinfo.ProcFS{}
	}
	if d.sinks == nil {
		sinks, err := factory.NewSinks(c.History.DSNs)
		if err != nil {
			return nil, err
		}
		d.sinks = sinks
	}
	d.recorder = history.NewRecorder(d.log, d.sinks...)
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return d, nil
}

// Close releases history sinks.
func (d *Deployer) Close() error { return d.recorder.Close() }

func (d *Deployer) workspace() *workspace.Workspace {
	return &workspace.Workspace{
		Version:     d.cfg.Version,
		DataRoot:    d.cfg.DataRoot,
		TmpDir:      d.cfg.TmpDir,
		BinariesDir: d.cfg.BinariesDir,
		BuildType:   d.cfg.BuildType,
		RunAsBinary: d.cfg.RunAs,
		ServerArgs:  ServerArgs(d.cfg),
		Executor:    d.exec,
		Events:      events.NewCollector(d.log),
		Log:         d.log,
	}
}

// ServerArgs are the arguments the install server binary is started
// with on the device.
func ServerArgs(c *Config) []string {
	args := []string{
		"install-server",
		"--data-root", c.DataRoot,
		"--accept-timeout", c.AgentAcceptTimeout.String(),
	}
	if c.ServerLog.Dir != "" {
		args = append(args, "--log-dir", c.ServerLog.Dir)
	}
	return args
}

// Swap delivers req.Payload into the running processes of the package.
func (d *Deployer) Swap(ctx context.Context, req *SwapRequest) *SwapResponse {
	return d.runSwap(ctx, "swap", swap.PlainSwap{}, req)
}

// OverlaySwap swaps and then commits req.Overlay in the same server
// session.
func (d *Deployer) OverlaySwap(ctx context.Context, req *SwapRequest) *SwapResponse {
	return d.runSwap(ctx, "overlay-swap", swap.OverlaySwap{}, req)
}

func (d *Deployer) runSwap(ctx context.Context, command string, s swap.Strategy, req *SwapRequest) *SwapResponse {
	start := time.Now()
	o := &swap.Orchestrator{
		Workspace:    d.workspace(),
		Strategy:     s,
		Attacher:     d.attacher,
		Inspector:    d.inspector,
		Stater:       d.stater,
		Launch:       d.launch,
		AgentAddress: d.cfg.AgentAddress,
	}
	resp := o.Run(ctx, req)
	d.finish(ctx, command, req.PackageName, start, resp.Status.String(), resp.Extra, len(resp.FailedAgents))
	return resp
}

// OverlayInstall provisions the startup agent and commits req.Update.
func (d *Deployer) OverlayInstall(ctx context.Context, req *OverlayInstallRequest) *OverlayInstallResponse {
	start := time.Now()
	o := &overlayinstall.Orchestrator{Workspace: d.workspace(), Launch: d.launch}
	resp := o.Run(ctx, req)
	d.finish(ctx, "overlay-install", req.PackageName, start, resp.Status.String(), resp.Extra, 0)
	return resp
}

func (d *Deployer) finish(ctx context.Context, command, pkg string, start time.Time, status, extra string, failedAgents int) {
	elapsed := time.Since(start)
	metrics.IncCommand(command, status)
	metrics.ObserveCommandDuration(command, elapsed.Seconds())
	d.log.Info("command finished", "command", command, "package", pkg, "status", status, "duration", elapsed)

	e := history.NewEvent(command, pkg, start)
	e.Status = status
	e.Extra = extra
	e.FailedAgents = failedAgents
	e.Duration = elapsed
	d.recorder.Record(ctx, e)

	if err := metrics.Push(ctx, d.cfg.Metrics.Pushgateway, d.cfg.Metrics.Job); err != nil {
		d.log.Warn("metrics push failed", "error", err)
	}
}

// ServerOptions configure the device-side install server.
type ServerOptions struct {
	DataRoot      string
	AcceptTimeout time.Duration
	Log           *slog.Logger
}

// ServeInstallServer runs the install server on r/w until the host asks
// it to exit or the channel closes.
func ServeInstallServer(ctx context.Context, r io.Reader, w io.Writer, o ServerOptions) error {
	log := o.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	ev := events.NewCollector(log)
	h := installserver.NewHandler(o.DataRoot, ev, log)
	if o.AcceptTimeout > 0 {
		h.AcceptTimeout = o.AcceptTimeout
	}
	defer func() { _ = h.Close() }()
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("register metrics", "error", err)
	}
	log.Info("install server starting", "data_root", o.DataRoot, "pid", os.Getpid())
	return installserver.NewServer(r, w, h, ev, installserver.WithLogger(log)).Run(ctx)
}
