// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"bytes"
	"context"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/holomush/botmanager/internal/plugin"
)

// HandlerFunc is the global every Lua plugin must define.
const HandlerFunc = "handle"

// DefaultLoadTimeout bounds the top-level chunk run when no request timeout
// is configured.
const DefaultLoadTimeout = 5 * time.Second

// Compile-time interface check.
var _ plugin.Host = (*Host)(nil)

// luaPlugin holds a compiled entry chunk.
type luaPlugin struct {
	generation string
	instance   *plugin.Instance
}

// Host manages Lua plugins.
type Host struct {
	factory        *StateFactory
	requestTimeout time.Duration
	maxBody        int64

	mu      sync.RWMutex
	plugins map[string]*luaPlugin
	closed  bool
}

// NewHost creates a Lua host. requestTimeout bounds each handle call; zero
// means only the request context applies.
func NewHost(requestTimeout time.Duration) *Host {
	return &Host{
		factory:        NewStateFactory(),
		requestTimeout: requestTimeout,
		maxBody:        10 << 20,
		plugins:        make(map[string]*luaPlugin),
	}
}

// Kind reports the lua runtime.
func (h *Host) Kind() plugin.Kind { return plugin.KindLua }

// Load compiles the entry chunk and checks that it defines handle.
func (h *Host) Load(ctx context.Context, p *plugin.Plugin) (*plugin.Instance, error) {
	h.mu.RLock()
	closed := h.closed
	existing, ok := h.plugins[p.ID]
	h.mu.RUnlock()

	if closed {
		return nil, oops.In("lua").With("plugin", p.ID).With("operation", "load").New("host is closed")
	}
	if ok && existing.generation == p.Generation {
		return existing.instance, nil
	}

	proto, err := compile(p.EntryPath())
	if err != nil {
		return nil, plugin.LoadFailed(p.ID, plugin.KindLua, err)
	}
	if err := h.validate(ctx, proto); err != nil {
		return nil, plugin.LoadFailed(p.ID, plugin.KindLua, err)
	}

	inst := &plugin.Instance{
		ID:         p.ID,
		Runtime:    plugin.KindLua,
		Generation: p.Generation,
		Handler: &handler{
			id:      p.ID,
			proto:   proto,
			factory: h.factory,
			timeout: h.requestTimeout,
			maxBody: h.maxBody,
		},
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, oops.In("lua").With("plugin", p.ID).With("operation", "load").New("host is closed")
	}
	h.plugins[p.ID] = &luaPlugin{generation: p.Generation, instance: inst}
	return inst, nil
}

// validate runs the chunk once in a throwaway state, bounded by the request
// timeout so a chunk that never returns cannot stall a rebuild.
func (h *Host) validate(ctx context.Context, proto *lua.FunctionProto) error {
	timeout := h.requestTimeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	L, err := h.factory.NewState(ctx)
	if err != nil {
		return err
	}
	defer L.Close()

	if err := run(L, proto); err != nil {
		return oops.In("lua").Hint("the chunk raised an error while loading").Wrap(err)
	}
	if L.GetGlobal(HandlerFunc).Type() != lua.LTFunction {
		return oops.In("lua").
			Hint("define a global function handle(req)").
			Errorf("entry does not define %s(req)", HandlerFunc)
	}
	return nil
}

// Unload forgets a plugin. In-flight requests finish on their own state.
func (h *Host) Unload(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.plugins, id)
	return nil
}

// Plugins returns ids of loaded plugins.
func (h *Host) Plugins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.plugins))
	for id := range h.plugins {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close shuts down the host.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.plugins = make(map[string]*luaPlugin)
	return nil
}

// compile parses and compiles the file at path.
func compile(path string) (*lua.FunctionProto, error) {
	src, err := os.ReadFile(path) //nolint:gosec // entry resolved inside a plugin directory
	if err != nil {
		return nil, oops.In("lua").With("path", path).Wrapf(err, "read entry")
	}
	chunk, err := parse.Parse(bytes.NewReader(src), path)
	if err != nil {
		return nil, oops.In("lua").With("path", path).Hint("syntax error").Wrap(err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, oops.In("lua").With("path", path).Wrap(err)
	}
	return proto, nil
}

// run executes a compiled chunk in L.
func run(L *lua.LState, proto *lua.FunctionProto) error {
	L.Push(L.NewFunctionFromProto(proto))
	return L.PCall(0, lua.MultRet, nil)
}
