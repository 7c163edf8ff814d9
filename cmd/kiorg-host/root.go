package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/houqp/kiorg/internal/config"
	"github.com/houqp/kiorg/internal/logging"
	"github.com/houqp/kiorg/internal/metrics"
	"github.com/houqp/kiorg/internal/plugins"
)

const shutdownGrace = 3 * time.Second

func newRootCommand(version, commit, date string) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "kiorg-host",
		Short: "kiorg preview plugin host",
		Long: `kiorg-host runs the kiorg preview plugin engine on its own: it discovers
plugin executables, drives the stdio handshake, and dispatches preview
requests. Useful for developing and debugging plugins without a full
kiorg build.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.pluginDir, "plugin-dir", "", "plugin directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides config)")

	rootCmd.AddCommand(newListCommand(opts))
	rootCmd.AddCommand(newPreviewCommand(opts))
	rootCmd.AddCommand(newDashboardCommand(opts))

	return rootCmd
}

type rootOptions struct {
	configPath string
	pluginDir  string
	logLevel   string
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.pluginDir != "" {
		cfg.PluginDir = o.pluginDir
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// startEngine boots the full engine: logger, optional metrics listener,
// manager with the initial spawn-and-handshake pass, and the directory
// watcher when enabled. The returned teardown terminates every plugin
// child and must run before exit.
func startEngine(ctx context.Context, opts *rootOptions) (*plugins.Manager, *logrus.Logger, func(), error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	log := logging.New(cfg.LogLevel, os.Stderr)

	var met *metrics.Metrics
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		met = metrics.New(registry)
		go metrics.Serve(cfg.MetricsAddr, registry, log)
	}

	mgr := plugins.NewManager(cfg, nil, met, log)
	if err := mgr.Start(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("starting plugin engine: %w", err)
	}

	watchCancel := func() {}
	if cfg.Watch {
		var wctx context.Context
		wctx, watchCancel = context.WithCancel(ctx)
		watcher := plugins.NewWatcher(cfg.PluginDir, mgr, log)
		go func() {
			if err := watcher.Run(wctx); err != nil {
				log.WithError(err).Warn("plugin directory watcher stopped")
			}
		}()
	}

	teardown := func() {
		watchCancel()
		mgr.Shutdown(shutdownGrace)
	}
	return mgr, log, teardown, nil
}
