// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/botmanager/internal/auth"
	"github.com/holomush/botmanager/internal/config"
	"github.com/holomush/botmanager/internal/dispatch"
	"github.com/holomush/botmanager/internal/lifecycle"
	"github.com/holomush/botmanager/internal/logging"
	"github.com/holomush/botmanager/internal/observability"
	"github.com/holomush/botmanager/internal/plugin"
	"github.com/holomush/botmanager/internal/plugin/goplugin"
	"github.com/holomush/botmanager/internal/plugin/ingest"
	"github.com/holomush/botmanager/internal/plugin/installer"
	"github.com/holomush/botmanager/internal/plugin/lua"
	"github.com/holomush/botmanager/internal/plugin/process"
	"github.com/holomush/botmanager/internal/web"
	"github.com/holomush/botmanager/internal/xdg"
	"github.com/holomush/botmanager/pkg/errutil"
)

// serveOptions holds serve-only flags.
type serveOptions struct {
	skipMigrate bool
}

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot manager",
		Long: `Serve the management routes and every registered plugin. Leftover
plugin processes from a previous run are stopped before the first
routing table is built.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, opts, cmd, nil)
		},
	}

	cmd.Flags().BoolVar(&opts.skipMigrate, "skip-migrate", false, "do not apply registry migrations at startup (postgres only)")

	return cmd
}

// runServeWithDeps runs the manager until a signal, a server failure or ctx
// cancellation. If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, opts *serveOptions, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	deps.setDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := logging.SetDefault(logging.Options{
		Service: "botmanager",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
	})

	for _, dir := range []string{
		cfg.Paths.PluginsDir,
		cfg.Paths.BackupDir,
		cfg.Paths.StagingDir,
		cfg.Paths.IconsDir(),
		filepath.Dir(cfg.Paths.RegistryFile),
	} {
		if err := xdg.EnsureDir(dir); err != nil {
			return oops.Code("DATA_DIR_FAILED").With("dir", dir).Wrap(err)
		}
	}

	if cfg.Registry.Driver == config.RegistryPostgres && !opts.skipMigrate {
		if err := autoMigrate(deps, cfg.Registry.DatabaseURL); err != nil {
			return err
		}
	}

	store, closeStore, err := deps.StoreOpener(ctx, cfg)
	if err != nil {
		return oops.Code("REGISTRY_OPEN_FAILED").With("driver", cfg.Registry.Driver).Wrap(err)
	}
	defer closeStore()

	var guard *auth.Basic
	if cfg.Auth.PasswordHash != "" {
		guard, err = auth.NewBasic(cfg.Auth.Username, cfg.Auth.PasswordHash)
		if err != nil {
			return oops.Code("CONFIG_INVALID").With("field", "auth.password_hash").Wrap(err)
		}
	}

	runtimes := runtimesFromConfig(cfg)
	resolver := plugin.NewResolver(runtimes)
	manager := plugin.NewManager(cfg.Paths.PluginsDir, resolver,
		append(hostOptions(cfg, runtimes), plugin.WithHostVersion(version))...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := manager.Close(closeCtx); err != nil {
			errutil.LogWarn(logger, "stopping plugins failed", err)
		}
	}()

	ingestor, err := ingest.New(ingest.Options{
		StagingDir:   cfg.Paths.StagingDir,
		PluginsDir:   cfg.Paths.PluginsDir,
		MaxFiles:     cfg.Upload.MaxFiles,
		MaxFileBytes: cfg.Upload.MaxExtracted,
		Exclude:      cfg.Upload.Exclude,
	}, resolver)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The front mux is filled in once the controller exists.
	front := http.NewServeMux()
	var router *dispatch.Router

	var obsServer ObservabilityServer
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, func() bool { return router != nil && router.Ready() })
		if m := obsServer.Metrics(); m != nil {
			metrics = m
		}
	}

	router = dispatch.NewRouter(front, metrics)
	builder := dispatch.NewBuilder(manager, store, router,
		dispatch.WithWorkers(cfg.Lifecycle.LoadWorkers),
		dispatch.WithMetrics(metrics),
	)
	controller := lifecycle.New(lifecycle.Deps{
		Store:    store,
		Ingestor: ingestor,
		Installer: installer.New(installer.Options{
			Manifest: cfg.Installer.Manifest,
			Script:   cfg.Installer.Script,
			Shell:    cfg.Installer.Shell,
			Timeout:  cfg.Installer.Timeout,
		}),
		Unloader:   manager,
		Rebuilder:  builder,
		Routes:     router,
		Terminator: lifecycle.NewProcessTerminator(cfg.Lifecycle.ReleaseTimeout),
		Backups:    lifecycle.NewBackups(cfg.Paths.BackupDir),
		Icons:      lifecycle.NewIcons(cfg.Paths.IconsDir(), cfg.Upload.IconURLPrefix),
		Metrics:    metrics,
	}, lifecycle.Options{
		OnConflict:  cfg.Upload.OnConflict,
		DefaultIcon: cfg.Upload.DefaultIcon,
	})
	var manage http.Handler = web.New(controller, web.Options{
		StaticDir:      cfg.Paths.StaticDir,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		Logger:         logger,
	}).Routes()
	// Plugin routes stay public; only the management front is guarded.
	if guard != nil {
		manage = guard.Middleware(manage)
	}
	front.Handle("/", manage)

	if obsServer != nil {
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
	}

	table, err := controller.Reconcile(ctx)
	if err != nil {
		// The manager UI stays available with an empty routing table.
		errutil.LogError(logger, "initial routing table failed", err)
		router.Swap(dispatch.NewTable(nil))
	} else {
		logger.Info("routing table ready", "plugins", table.IDs())
	}

	webServer := deps.WebServerFactory(cfg.Server.Addr, router)
	webErrChan, err := webServer.Start()
	if err != nil {
		stopServer(obsServer, "observability")
		return oops.Code("HTTP_START_FAILED").With("addr", cfg.Server.Addr).Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, webErrChan, "http")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("botmanager listening on " + webServer.Addr())
	logger.Info("botmanager ready",
		"addr", webServer.Addr(),
		"registry", cfg.Registry.Driver,
		"data_dir", cfg.Paths.DataDir,
		"auth", guard != nil,
	)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := webServer.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping http server", "error", err)
	}
	stopServer(obsServer, "observability")

	logger.Info("shutdown complete")
	return nil
}

// autoMigrate applies pending registry migrations.
func autoMigrate(deps *ServeDeps, databaseURL string) error {
	migrator, err := deps.MigratorFactory(databaseURL)
	if err != nil {
		return oops.Code("MIGRATION_INIT_FAILED").Wrap(err)
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			slog.Warn("closing migrator failed", "error", err)
		}
	}()
	if err := migrator.Up(); err != nil {
		return oops.Code("AUTO_MIGRATION_FAILED").Hint("run 'botmanager migrate status' to inspect the schema").Wrap(err)
	}
	slog.Info("registry migrations applied")
	return nil
}

// runtimesFromConfig returns the enabled runtime profiles in configured order.
func runtimesFromConfig(cfg *config.Config) []plugin.Runtime {
	rt := cfg.Runtimes
	out := make([]plugin.Runtime, 0, len(rt.Order))
	for _, name := range rt.Order {
		switch plugin.Kind(name) {
		case plugin.KindScript:
			out = append(out, plugin.Runtime{
				Kind:          plugin.KindScript,
				EntryPoint:    rt.Script.EntryPoint,
				SourceExt:     rt.Script.SourceExt,
				PackageMarker: rt.Script.PackageMarker,
			})
		case plugin.KindLua:
			out = append(out, plugin.Runtime{Kind: plugin.KindLua, EntryPoint: rt.Lua.EntryPoint, SourceExt: rt.Lua.SourceExt})
		case plugin.KindBinary:
			out = append(out, plugin.Runtime{Kind: plugin.KindBinary, EntryPoint: rt.Binary.EntryPoint})
		}
	}
	return out
}

// hostOptions registers one host per enabled runtime.
func hostOptions(cfg *config.Config, runtimes []plugin.Runtime) []plugin.ManagerOption {
	rt := cfg.Runtimes
	var opts []plugin.ManagerOption
	for _, r := range runtimes {
		switch r.Kind {
		case plugin.KindScript:
			opts = append(opts, plugin.WithHost(process.NewHost(process.Options{
				Command:      rt.Script.Command,
				VenvPython:   rt.Script.VenvPython,
				StartTimeout: rt.Script.StartTimeout,
				StopTimeout:  rt.Script.StopTimeout,
				Env:          rt.Env,
			})))
		case plugin.KindLua:
			opts = append(opts, plugin.WithHost(lua.NewHost(rt.Lua.RequestTimeout)))
		case plugin.KindBinary:
			opts = append(opts, plugin.WithHost(goplugin.NewHost(&goplugin.DefaultClientFactory{
				StartTimeout: rt.Binary.StartTimeout,
				LogFormat:    cfg.Log.Format,
				LogLevel:     cfg.Log.Level,
				Env:          rt.Env,
			}, rt.Binary.RequestTimeout)))
		}
	}
	return opts
}

// stopServer stops s with a short deadline, logging failures.
func stopServer(s interface{ Stop(context.Context) error }, name string) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		slog.Warn("error stopping server", "server", name, "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports a failure. It exits
// when an error arrives, the channel closes or ctx is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
