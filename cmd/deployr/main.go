package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loykin/deployr"
	"github.com/loykin/deployr/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(func(cfg *deployr.Config) (deployer, error) { return deployr.New(cfg) })
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errNotOK) {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by host commands.
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot wires every subcommand to one viper instance so flags,
// DEPLOYR_ environment variables and the config file share precedence.
func buildRoot(open func(*deployr.Config) (deployer, error)) *cobra.Command {
	globalFlags := &GlobalFlags{}
	v := config.NewViper()
	c := &command{
		load: func() (*deployr.Config, error) { return config.LoadFrom(v, globalFlags.ConfigPath) },
		open: open,
	}

	root := createRootCommand(globalFlags, v)
	root.AddCommand(
		createSwapCommand(c, &SwapFlags{}),
		createOverlayInstallCommand(c, &OverlayFlags{}),
		createOverlaySwapCommand(c, &OverlaySwapFlags{}),
		createInstallServerCommand(&InstallServerFlags{}),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags, v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "deployr",
		Short: "Live code swap and overlay deployment for application processes",
		Long: `Deployr pushes new code into running application processes and keeps an
on-device overlay of changed files in sync, through a short-lived install
server running as the application.

Examples:
  deployr swap --package=com.example.app --pid=4242 --payload=patch.bin
  deployr overlay-install --package=com.example.app --overlay-id=b2 \
      --expected-overlay-id=b1 --file=classes.dex=build/classes.dex
  deployr install-server --data-root=/data/data   # device side`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML/YAML config file (optional)")
	pf.String("deploy-version", "", "version tag of the deployed agent and server binaries")
	pf.String("data-root", "", "per-application private data root on the device")
	pf.String("tmp-dir", "", "scratch directory for staged binaries")
	pf.String("binaries-dir", "", "directory holding install_server and agent libraries")
	pf.String("build-type", "", "device build type (skips getprop when set)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	for key, name := range map[string]string{
		"version":      "deploy-version",
		"data_root":    "data-root",
		"tmp_dir":      "tmp-dir",
		"binaries_dir": "binaries-dir",
		"build_type":   "build-type",
		"log.level":    "log-level",
		"log.format":   "log-format",
	} {
		_ = v.BindPFlag(key, pf.Lookup(name))
	}
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the deployr version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
