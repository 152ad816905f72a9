package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/botmanager/pkg/errutil"
)

// Manager discovers plugin directories and routes loads to the host of each
// plugin's runtime.
type Manager struct {
	pluginsDir  string
	resolver    *Resolver
	hosts       map[Kind]Host
	hostVersion string

	mu     sync.RWMutex
	loaded map[string]*Instance
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithHost registers the host serving h.Kind().
func WithHost(h Host) ManagerOption {
	return func(m *Manager) {
		m.hosts[h.Kind()] = h
	}
}

// WithHostVersion sets the version checked against manifest requires
// constraints. Without it constraints are not enforced.
func WithHostVersion(v string) ManagerOption {
	return func(m *Manager) {
		m.hostVersion = v
	}
}

// NewManager creates a plugin manager for pluginsDir.
func NewManager(pluginsDir string, resolver *Resolver, opts ...ManagerOption) *Manager {
	m := &Manager{
		pluginsDir: pluginsDir,
		resolver:   resolver,
		hosts:      make(map[Kind]Host),
		loaded:     make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PluginsDir returns the directory holding one subdirectory per plugin.
func (m *Manager) PluginsDir() string {
	return m.pluginsDir
}

// Resolver returns the entry point resolver.
func (m *Manager) Resolver() *Resolver {
	return m.resolver
}

// Discover returns every plugin directory with a resolvable entry point.
// Directories that cannot be resolved are logged and skipped.
func (m *Manager) Discover(_ context.Context) ([]*Plugin, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.In("plugin").With("dir", m.pluginsDir).Wrapf(err, "read plugins directory")
	}

	var plugins []*Plugin
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(m.pluginsDir, entry.Name())
		p, err := m.resolver.Resolve(dir)
		if err != nil {
			errutil.LogWarn(slog.Default(), "skipping plugin with invalid manifest", err)
			continue
		}
		if p == nil {
			slog.Debug("skipping directory without entry point", "dir", entry.Name())
			continue
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}

// Load starts p on the host for its runtime.
func (m *Manager) Load(ctx context.Context, p *Plugin) (*Instance, error) {
	h, ok := m.hosts[p.Runtime.Kind]
	if !ok {
		return nil, LoadFailed(p.ID, p.Runtime.Kind, errors.New("runtime not enabled"))
	}
	if p.Manifest != nil && m.hostVersion != "" {
		if err := p.Manifest.CheckRequires(m.hostVersion); err != nil {
			if unloadErr := m.Unload(ctx, p.ID); unloadErr != nil {
				errutil.LogWarn(slog.Default(), "unload of incompatible plugin failed", unloadErr)
			}
			return nil, LoadFailed(p.ID, p.Runtime.Kind, err)
		}
	}

	// A runtime switch leaves the old instance on another host.
	m.mu.RLock()
	prev, had := m.loaded[p.ID]
	m.mu.RUnlock()
	if had && prev.Runtime != p.Runtime.Kind {
		if err := m.Unload(ctx, p.ID); err != nil {
			errutil.LogWarn(slog.Default(), "unload of previous runtime failed", err)
		}
	}

	inst, err := h.Load(ctx, p)
	if err != nil {
		m.mu.Lock()
		delete(m.loaded, p.ID)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.loaded[p.ID] = inst
	m.mu.Unlock()

	slog.Info("loaded plugin",
		"plugin", p.ID,
		"runtime", p.Runtime.Kind,
		"pid", inst.PID)
	return inst, nil
}

// Unload stops the plugin wherever it is loaded. Unknown ids are ignored.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.loaded[id]
	delete(m.loaded, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	h, ok := m.hosts[inst.Runtime]
	if !ok {
		return nil
	}
	if err := h.Unload(ctx, id); err != nil {
		return oops.In("plugin").With("plugin", id).Wrapf(err, "unload")
	}
	slog.Info("unloaded plugin", "plugin", id, "runtime", inst.Runtime)
	return nil
}

// Instance returns the loaded instance for id.
func (m *Manager) Instance(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.loaded[id]
	return inst, ok
}

// ListPlugins returns ids of all loaded plugins, sorted.
func (m *Manager) ListPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.loaded))
	for id := range m.loaded {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close shuts down every host.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.loaded = make(map[string]*Instance)
	m.mu.Unlock()

	var errs []error
	for kind, h := range m.hosts {
		if err := h.Close(ctx); err != nil {
			errs = append(errs, oops.In("plugin").With("runtime", string(kind)).Wrapf(err, "close host"))
		}
	}
	return errors.Join(errs...)
}
