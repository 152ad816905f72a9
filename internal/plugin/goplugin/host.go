// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package goplugin provides a Host implementation for binary plugins
// using HashiCorp's go-plugin system over net/rpc.
package goplugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/botmanager/internal/plugin"
	"github.com/holomush/botmanager/pkg/errutil"
	"github.com/holomush/botmanager/pkg/pluginsdk"
)

// DefaultRequestTimeout bounds a single forwarded request.
const DefaultRequestTimeout = 30 * time.Second

// MaxRequestBytes bounds request bodies forwarded to a plugin.
const MaxRequestBytes = 10 << 20

// Sentinel errors for programmatic error checking.
var (
	// ErrHostClosed is returned when operations are attempted on a closed host.
	ErrHostClosed = errors.New("host is closed")
	// ErrUnexpectedPlugin is returned when a binary dispenses something other than the HTTP plugin.
	ErrUnexpectedPlugin = errors.New("plugin does not implement the HTTP protocol")
)

// Compile-time interface check.
var _ plugin.Host = (*Host)(nil)

// Host manages binary plugins via HashiCorp go-plugin.
type Host struct {
	clientFactory  ClientFactory
	requestTimeout time.Duration

	mu      sync.RWMutex
	plugins map[string]*loadedPlugin
	closed  bool
}

// loadedPlugin holds state for a single loaded binary plugin.
type loadedPlugin struct {
	id         string
	dir        string
	generation string
	client     PluginClient
	rpc        *pluginsdk.RPCClient
	handler    http.Handler
}

func (p *loadedPlugin) instance() *plugin.Instance {
	inst := &plugin.Instance{
		ID:         p.id,
		Runtime:    plugin.KindBinary,
		Generation: p.generation,
		Handler:    p.handler,
	}
	if rc := p.client.ReattachConfig(); rc != nil {
		inst.PID = rc.Pid
	}
	return inst
}

// NewHost creates a binary plugin host. A zero timeout takes DefaultRequestTimeout.
// Panics if factory is nil.
func NewHost(factory ClientFactory, requestTimeout time.Duration) *Host {
	if factory == nil {
		panic("goplugin: factory cannot be nil")
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Host{
		clientFactory:  factory,
		requestTimeout: requestTimeout,
		plugins:        make(map[string]*loadedPlugin),
	}
}

// Kind reports the binary runtime.
func (h *Host) Kind() plugin.Kind { return plugin.KindBinary }

// Load launches the plugin executable and dispenses its HTTP handler.
func (h *Host) Load(_ context.Context, p *plugin.Plugin) (*plugin.Instance, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHostClosed
	}
	prev, ok := h.plugins[p.ID]
	if ok && prev.generation == p.Generation && prev.dir == p.Dir && !prev.client.Exited() {
		h.mu.Unlock()
		return prev.instance(), nil
	}
	delete(h.plugins, p.ID)
	h.mu.Unlock()

	if ok {
		prev.client.Kill()
	}

	lp, err := h.launch(p)
	if err != nil {
		return nil, plugin.LoadFailed(p.ID, plugin.KindBinary, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		lp.client.Kill()
		return nil, ErrHostClosed
	}
	h.plugins[p.ID] = lp
	return lp.instance(), nil
}

func (h *Host) launch(p *plugin.Plugin) (*loadedPlugin, error) {
	client := h.clientFactory.NewClient(p)

	proto, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, oops.With("entry", p.EntryPath()).Wrapf(err, "connect to plugin")
	}

	raw, err := proto.Dispense(pluginsdk.PluginName)
	if err != nil {
		client.Kill()
		return nil, oops.Wrapf(err, "dispense plugin")
	}

	rpcClient, ok := raw.(*pluginsdk.RPCClient)
	if !ok {
		client.Kill()
		return nil, oops.With("type", fmt.Sprintf("%T", raw)).Wrap(ErrUnexpectedPlugin)
	}

	lp := &loadedPlugin{
		id:         p.ID,
		dir:        p.Dir,
		generation: p.Generation,
		client:     client,
		rpc:        rpcClient,
	}
	lp.handler = &rpcHandler{id: p.ID, rpc: rpcClient, timeout: h.requestTimeout}
	return lp, nil
}

// Unload kills the plugin process. Unknown ids are ignored.
func (h *Host) Unload(_ context.Context, id string) error {
	h.mu.Lock()
	p, ok := h.plugins[id]
	delete(h.plugins, id)
	h.mu.Unlock()

	if ok {
		p.client.Kill()
	}
	return nil
}

// Plugins returns ids of all loaded plugins.
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

// Close shuts down the host and all plugins.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, p := range h.plugins {
		p.client.Kill()
	}
	h.closed = true
	clear(h.plugins)
	return nil
}

// rpcHandler forwards HTTP requests to a plugin over net/rpc.
//
// The host lock is not held during the call. If the plugin is unloaded
// concurrently the call fails with rpc.ErrShutdown and the request gets a 502.
type rpcHandler struct {
	id      string
	rpc     *pluginsdk.RPCClient
	timeout time.Duration
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	call := h.rpc.Call(pluginsdk.FromHTTP(r, body))
	select {
	case <-ctx.Done():
		errutil.LogErrorContext(ctx, slog.Default(), slog.LevelWarn, "plugin request abandoned",
			oops.With("plugin", h.id).Wrap(ctx.Err()))
		http.Error(w, http.StatusText(http.StatusGatewayTimeout), http.StatusGatewayTimeout)
		return
	case <-call.Done:
	}
	if call.Error != nil {
		errutil.LogErrorContext(ctx, slog.Default(), slog.LevelWarn, "plugin request failed",
			oops.With("plugin", h.id).Wrap(call.Error))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	resp, ok := call.Reply.(*pluginsdk.Response)
	if !ok || resp == nil {
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}
