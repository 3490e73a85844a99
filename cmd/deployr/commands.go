package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/deployr"
	"github.com/loykin/deployr/internal/agent"
	"github.com/loykin/deployr/internal/installserver"
	"github.com/loykin/deployr/internal/logger"
)

// errNotOK makes the process exit 1 after the response was printed.
var errNotOK = errors.New("command did not succeed")

type deployer interface {
	Swap(ctx context.Context, req *deployr.SwapRequest) *deployr.SwapResponse
	OverlaySwap(ctx context.Context, req *deployr.SwapRequest) *deployr.SwapResponse
	OverlayInstall(ctx context.Context, req *deployr.OverlayInstallRequest) *deployr.OverlayInstallResponse
	Close() error
}

type command struct {
	load func() (*deployr.Config, error)
	open func(*deployr.Config) (deployer, error)
}

func (c *command) deployer() (deployer, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	return c.open(cfg)
}

// Swap runs the swap command. Like the other handlers it prints exactly one
// JSON document.
func (c *command) Swap(cmd *cobra.Command, f SwapFlags) error {
	req, err := swapRequest(f)
	if err != nil {
		return err
	}
	d, err := c.deployer()
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	resp := d.Swap(cmd.Context(), req)
	return report(cmd, resp, resp.Status.String())
}

func (c *command) OverlayInstall(cmd *cobra.Command, f OverlayFlags) error {
	if f.Package == "" {
		return fmt.Errorf("--package is required")
	}
	arch, err := agent.ParseArch(f.AgentArch)
	if err != nil {
		return err
	}
	update, err := overlayUpdate(f.OverlayID, f.ExpectedOverlayID, f.Files, f.Deletes, f.Wipe, os.ReadFile)
	if err != nil {
		return err
	}
	d, err := c.deployer()
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	resp := d.OverlayInstall(cmd.Context(), &deployr.OverlayInstallRequest{PackageName: f.Package, Arch: arch, Update: update})
	return report(cmd, resp, resp.Status.String())
}

func (c *command) OverlaySwap(cmd *cobra.Command, f OverlaySwapFlags) error {
	req, err := swapRequest(f.SwapFlags)
	if err != nil {
		return err
	}
	update, err := overlayUpdate(f.OverlayID, f.ExpectedOverlayID, f.Files, f.Deletes, f.Wipe, os.ReadFile)
	if err != nil {
		return err
	}
	req.Overlay = &update
	d, err := c.deployer()
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	resp := d.OverlaySwap(cmd.Context(), req)
	return report(cmd, resp, resp.Status.String())
}

func swapRequest(f SwapFlags) (*deployr.SwapRequest, error) {
	if f.Package == "" {
		return nil, fmt.Errorf("--package is required")
	}
	if f.ExtraAgents < 0 {
		return nil, fmt.Errorf("--extra-agents must not be negative")
	}
	arch, err := agent.ParseArch(f.AgentArch)
	if err != nil {
		return nil, err
	}
	req := &deployr.SwapRequest{
		PackageName:     f.Package,
		ProcessIDs:      f.PIDs,
		ExtraAgents:     f.ExtraAgents,
		Arch:            arch,
		RestartActivity: f.RestartActivity,
	}
	if f.PayloadPath != "" {
		b, err := os.ReadFile(f.PayloadPath)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		req.Payload = b
	}
	return req, nil
}

// overlayUpdate turns device=local file specs into an update.
func overlayUpdate(id, expected string, files, deletes []string, wipe bool, readFile func(string) ([]byte, error)) (deployr.OverlayUpdate, error) {
	u := deployr.OverlayUpdate{ExpectedID: expected, ID: id, Wipe: wipe, Deletes: deletes}
	if id == "" {
		return u, fmt.Errorf("--overlay-id is required")
	}
	for _, arg := range files {
		devicePath, localPath, ok := strings.Cut(arg, "=")
		if !ok || devicePath == "" || localPath == "" {
			return u, fmt.Errorf("invalid --file %q, want device/path=local/path", arg)
		}
		b, err := readFile(localPath)
		if err != nil {
			return u, fmt.Errorf("read %s: %w", localPath, err)
		}
		u.Files = append(u.Files, deployr.OverlayFile{Path: devicePath, Content: b})
	}
	return u, nil
}

func report(cmd *cobra.Command, resp any, status string) error {
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if status != "OK" {
		return errNotOK
	}
	return nil
}

// InstallServer runs the device-side server on stdin/stdout. Nothing else
// may be written to either stream.
func InstallServer(cmd *cobra.Command, f InstallServerFlags) error {
	lc := logger.Config{
		Slog: logger.SlogConfig{Level: logger.Level(f.LogLevel), Format: logger.FormatJSON, TimeStamps: true},
		File: logger.FileConfig{Dir: f.LogDir},
	}
	return deployr.ServeInstallServer(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), deployr.ServerOptions{
		DataRoot:      f.DataRoot,
		AcceptTimeout: f.AcceptTimeout,
		Log:           lc.ServerLogger(),
	})
}

func createSwapCommand(c *command, f *SwapFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swap",
		Short: "Swap new code into running processes of a package",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Swap(cmd, *f) },
	}
	addSwapFlags(cmd, f)
	return cmd
}

func addSwapFlags(cmd *cobra.Command, f *SwapFlags) {
	cmd.Flags().StringVar(&f.Package, "package", "", "application package name")
	cmd.Flags().IntSliceVar(&f.PIDs, "pid", nil, "target process id (repeatable)")
	cmd.Flags().IntVar(&f.ExtraAgents, "extra-agents", 0, "agents expected beyond the listed pids")
	cmd.Flags().StringVar(&f.PayloadPath, "payload", "", "file with the swap payload")
	cmd.Flags().StringVar(&f.AgentArch, "agent-arch", "64", "agent architecture: 64 or 32")
	cmd.Flags().BoolVar(&f.RestartActivity, "restart-activity", false, "restart the foreground activity after the swap")
}

func createOverlayInstallCommand(c *command, f *OverlayFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overlay-install",
		Short: "Provision the startup agent and update the overlay",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.OverlayInstall(cmd, *f) },
	}
	cmd.Flags().StringVar(&f.Package, "package", "", "application package name")
	cmd.Flags().StringVar(&f.AgentArch, "agent-arch", "64", "agent architecture: 64 or 32")
	addOverlayFlags(cmd, &f.OverlayID, &f.ExpectedOverlayID, &f.Files, &f.Deletes, &f.Wipe)
	return cmd
}

func createOverlaySwapCommand(c *command, f *OverlaySwapFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overlay-swap",
		Short: "Swap and then update the overlay in one server session",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.OverlaySwap(cmd, *f) },
	}
	addSwapFlags(cmd, &f.SwapFlags)
	addOverlayFlags(cmd, &f.OverlayID, &f.ExpectedOverlayID, &f.Files, &f.Deletes, &f.Wipe)
	return cmd
}

func addOverlayFlags(cmd *cobra.Command, id, expected *string, files, deletes *[]string, wipe *bool) {
	cmd.Flags().StringVar(id, "overlay-id", "", "id the overlay has after the update")
	cmd.Flags().StringVar(expected, "expected-overlay-id", "", "id the overlay must have now (empty for none)")
	cmd.Flags().StringArrayVar(files, "file", nil, "device/path=local/path to write (repeatable)")
	cmd.Flags().StringArrayVar(deletes, "delete", nil, "overlay path to delete (repeatable)")
	cmd.Flags().BoolVar(wipe, "wipe", false, "remove every overlay file before applying")
}

func createInstallServerCommand(f *InstallServerFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "install-server",
		Short:  "Run the device-side install server on stdin/stdout",
		Hidden: true,
		RunE:   func(cmd *cobra.Command, args []string) error { return InstallServer(cmd, *f) },
	}
	cmd.Flags().StringVar(&f.DataRoot, "data-root", "/data/data", "per-application private data root")
	cmd.Flags().DurationVar(&f.AcceptTimeout, "accept-timeout", installserver.DefaultAcceptTimeout, "how long to wait for agents to connect")
	cmd.Flags().StringVar(&f.LogDir, "log-dir", "", "directory for the server log (discarded when empty)")
	cmd.Flags().StringVar(&f.LogLevel, "log-level", "info", "server log level")
	return cmd
}
