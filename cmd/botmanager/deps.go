package main

import (
	"context"
	"net/http"

	"github.com/holomush/botmanager/internal/config"
	"github.com/holomush/botmanager/internal/observability"
	"github.com/holomush/botmanager/internal/registry"
	"github.com/holomush/botmanager/internal/web"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// StoreOpener opens the configured registry backend. The returned
	// function releases it.
	// Default: openStore
	StoreOpener func(ctx context.Context, cfg *config.Config) (registry.Store, func(), error)

	// MigratorFactory creates a schema migrator for the postgres registry.
	// Default: registry.NewMigrator
	MigratorFactory func(databaseURL string) (AutoMigrator, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// WebServerFactory creates the public HTTP server.
	// Default: web.NewServer
	WebServerFactory func(addr string, handler http.Handler) WebServer
}

// AutoMigrator wraps the methods serve uses from registry.Migrator.
type AutoMigrator interface {
	Up() error
	Close() error
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// WebServer interface wraps the methods used from web.Server.
type WebServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

func (d *ServeDeps) setDefaults() {
	if d.StoreOpener == nil {
		d.StoreOpener = openStore
	}
	if d.MigratorFactory == nil {
		d.MigratorFactory = func(databaseURL string) (AutoMigrator, error) {
			return registry.NewMigrator(databaseURL)
		}
	}
	if d.ObservabilityServerFactory == nil {
		d.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}
	if d.WebServerFactory == nil {
		d.WebServerFactory = func(addr string, handler http.Handler) WebServer {
			return web.NewServer(addr, handler)
		}
	}
}

// openStore opens the registry selected by cfg.Registry.Driver.
func openStore(ctx context.Context, cfg *config.Config) (registry.Store, func(), error) {
	if cfg.Registry.Driver == config.RegistryPostgres {
		store, pool, err := registry.OpenPostgres(ctx, cfg.Registry.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, pool.Close, nil
	}
	return registry.NewFileStore(cfg.Paths.RegistryFile), func() {}, nil
}
