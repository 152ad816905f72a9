// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package dispatch

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/holomush/botmanager/internal/observability"
	"github.com/holomush/botmanager/internal/plugin"
	"github.com/holomush/botmanager/internal/registry"
	"github.com/holomush/botmanager/pkg/errutil"
)

// Loader discovers and loads plugins. *plugin.Manager implements it.
type Loader interface {
	Discover(ctx context.Context) ([]*plugin.Plugin, error)
	Load(ctx context.Context, p *plugin.Plugin) (*plugin.Instance, error)
	Unload(ctx context.Context, id string) error
	ListPlugins() []string
}

// Builder rebuilds the routing table from the plugins directory and the
// registry. Rebuilds are serialized.
type Builder struct {
	loader   Loader
	store    registry.Store
	router   *Router
	metrics  *observability.Metrics
	workers  int
	failures func(id string, err error)

	mu sync.Mutex
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithWorkers bounds concurrent plugin loads.
func WithWorkers(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithMetrics records rebuild and load failure metrics.
func WithMetrics(m *observability.Metrics) BuilderOption {
	return func(b *Builder) { b.metrics = m }
}

// WithLoadFailureHook is called for every plugin that fails to load.
func WithLoadFailureHook(fn func(id string, err error)) BuilderOption {
	return func(b *Builder) { b.failures = fn }
}

// NewBuilder creates a builder installing tables into router.
func NewBuilder(loader Loader, store registry.Store, router *Router, opts ...BuilderOption) *Builder {
	b := &Builder{
		loader:  loader,
		store:   store,
		router:  router,
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Rebuild loads every registered plugin directory that has an entry point and
// atomically installs the resulting table. Plugins that fail to load are
// logged and left out; the rebuild itself fails only when the registry or the
// plugins directory cannot be read, leaving the current table in place.
func (b *Builder) Rebuild(ctx context.Context) (*Table, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	records, err := b.store.Load(ctx)
	if err != nil {
		return nil, oops.In("dispatch").Wrapf(err, "load registry")
	}
	discovered, err := b.loader.Discover(ctx)
	if err != nil {
		return nil, oops.In("dispatch").Wrapf(err, "discover plugins")
	}

	var (
		mu        sync.Mutex
		instances = make(map[string]*plugin.Instance, len(discovered))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, p := range discovered {
		if _, ok := records[p.ID]; !ok {
			slog.Debug("skipping unregistered plugin directory", "plugin", p.ID)
			continue
		}
		g.Go(func() error {
			inst, err := b.loader.Load(gctx, p)
			if err != nil {
				errutil.LogErrorContext(gctx, slog.Default(), slog.LevelWarn, "plugin not loadable", err)
				b.metrics.RecordLoadFailure(string(p.Runtime.Kind))
				if b.failures != nil {
					b.failures(p.ID, err)
				}
				return nil
			}
			mu.Lock()
			instances[p.ID] = inst
			mu.Unlock()
			return nil
		})
	}
	// Load failures are absorbed per plugin, so Wait only reports a broken
	// invariant; the table is still built from whatever loaded.
	if err := g.Wait(); err != nil {
		errutil.LogErrorContext(ctx, slog.Default(), slog.LevelError, "plugin load group failed", err)
	}

	table := NewTable(instances)
	b.router.Swap(table)

	for _, id := range b.loader.ListPlugins() {
		if _, ok := table.Instance(id); ok {
			continue
		}
		if err := b.loader.Unload(ctx, id); err != nil {
			errutil.LogWarn(slog.Default(), "unload of stale plugin failed", err)
		}
	}

	took := time.Since(start)
	b.metrics.ObserveRebuild(took, table.Len())
	slog.Info("routing table rebuilt",
		"routed", table.Len(),
		"registered", len(records),
		"duration", took)
	return table, nil
}
