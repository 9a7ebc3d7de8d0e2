package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pluginhost/internal/api"
	"pluginhost/internal/config"
	"pluginhost/internal/loader"
	"pluginhost/internal/manager"
	"pluginhost/internal/metrics"
	"pluginhost/pkg/plugin"
)

// app carries what every command needs once flags are parsed.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "pluginhost",
		Short:         "Discover, install and run plugins",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "pluginhost.yaml", "path to the YAML config file")

	root.AddCommand(
		a.serveCommand(),
		a.listCommand(),
		a.searchCommand(),
		a.installCommand(),
		a.uninstallCommand(),
		a.toggleCommand("enable", "Enable a plugin", true),
		a.toggleCommand("disable", "Disable a plugin", false),
		a.exportCommand(),
		a.statsCommand(),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.NewLoader(a.configPath, nil).Load()
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	a.metrics = metrics.New()
	return nil
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

// newManager builds a manager from the config and runs discovery. autoLoad
// is forced off for one-shot commands so installs do not start plugins.
func (a *app) newManager(ctx context.Context, autoLoad bool) (*manager.Manager, error) {
	mgr, err := manager.New(manager.Options{
		PluginsDir:       a.cfg.PluginsDir,
		DataDir:          a.cfg.DataDir,
		BackupDir:        a.cfg.BackupDir,
		Workers:          a.cfg.Workers,
		MinFreeDisk:      a.cfg.MinFreeDisk,
		SubsystemEnabled: a.cfg.SubsystemEnabled,
		AutoLoad:         autoLoad,
		FlushInterval:    a.cfg.Storage.FlushInterval,
		KeepBackups:      a.cfg.Storage.KeepBackups,
		Logger:           a.logger,
		Metrics:          a.metrics,
		Loader:           loader.New(a.logger, loader.WithMaxBundleSize(a.cfg.MaxBundleSize)),
	})
	if err != nil {
		return nil, err
	}
	if _, err := mgr.Discover(ctx); err != nil {
		mgr.Shutdown(ctx)
		return nil, err
	}
	return mgr, nil
}

// withManager runs fn against a one-shot manager and shuts it down after.
func (a *app) withManager(cmd *cobra.Command, fn func(context.Context, *manager.Manager) error) error {
	ctx := cmd.Context()
	mgr, err := a.newManager(ctx, false)
	if err != nil {
		return err
	}
	err = fn(ctx, mgr)
	if shutdownErr := mgr.Shutdown(ctx); err == nil {
		err = shutdownErr
	}
	return err
}

func (a *app) serveCommand() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load enabled plugins and serve the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.API.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.logger.Info("Starting plugin host",
				zap.String("plugins_dir", a.cfg.PluginsDir),
				zap.Int("port", a.cfg.API.Port))

			mgr, err := a.newManager(ctx, a.cfg.AutoLoad)
			if err != nil {
				return err
			}

			if mgr.IsSubsystemEnabled() {
				report, err := mgr.LoadEnabledPlugins(ctx)
				if err != nil {
					a.logger.Error("Failed to load enabled plugins", zap.Error(err))
				}
				for id, msg := range report.Failures {
					a.logger.Warn("Plugin failed to load", zap.String("plugin", id), zap.String("error", msg))
				}
			} else {
				a.logger.Info("Plugin subsystem is disabled; no plugins loaded")
			}

			server := api.NewServer(mgr, a.metrics, a.logger, a.cfg.API.Port)
			if err := server.Start(); err != nil {
				mgr.Shutdown(context.Background())
				return fmt.Errorf("failed to start API server: %w", err)
			}

			a.logger.Info("Plugin host is running. Press Ctrl+C to exit.")
			<-ctx.Done()
			a.logger.Info("Shutting down gracefully...")

			if err := server.Stop(); err != nil {
				a.logger.Error("Failed to stop API server", zap.Error(err))
			}
			return mgr.Shutdown(context.Background())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "API port (overrides api.port)")
	return cmd
}

func (a *app) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
				return printPlugins(cmd, mgr, mgr.Available())
			})
		},
	}
}

func (a *app) searchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search available plugins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
				return printPlugins(cmd, mgr, mgr.SearchPlugins(args[0]))
			})
		},
	}
}

func (a *app) installCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install <bundle>",
		Short: "Install a plugin bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
				desc, err := mgr.InstallPlugin(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Installed %s %s (%s)\n", desc.ID, desc.Version, desc.Kind)
				return nil
			})
		},
	}
}

func (a *app) uninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id>",
		Short: "Uninstall a plugin and remove its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
				if err := mgr.UninstallPlugin(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Uninstalled %s\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) toggleCommand(use, short string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
				toggle := mgr.DisablePlugin
				if enable {
					toggle = mgr.EnablePlugin
				}
				if err := toggle(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: enabled=%t\n", args[0], mgr.IsPluginEnabled(args[0]))
				return nil
			})
		},
	}
}

func (a *app) exportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Export the plugin list as JSON (stdout when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
				if len(args) == 0 || args[0] == "-" {
					return mgr.WriteExport(cmd.OutOrStdout())
				}
				if err := mgr.ExportPluginList(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d plugins to %s\n", len(mgr.Available()), args[0])
				return nil
			})
		},
	}
}

func (a *app) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print plugin statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(cmd, func(ctx context.Context, mgr *manager.Manager) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(mgr.GetStatistics())
			})
		},
	}
}

func printPlugins(cmd *cobra.Command, mgr *manager.Manager, descs []plugin.Descriptor) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tKIND\tENABLED\tCATEGORY")
	for _, d := range descs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", d.ID, d.Name, d.Version, d.Kind, mgr.IsPluginEnabled(d.ID), d.Category)
	}
	return w.Flush()
}
