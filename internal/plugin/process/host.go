// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package process provides a Host that runs each script plugin as an
// isolated child process serving HTTP on a private port, fronted by a
// reverse proxy.
package process

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/botmanager/internal/plugin"
)

// Sentinel errors for programmatic error checking.
var (
	// ErrHostClosed is returned when operations are attempted on a closed host.
	ErrHostClosed = errors.New("host is closed")
	// ErrExited is returned when the child exits before it starts serving.
	ErrExited = errors.New("plugin process exited during startup")
)

// Compile-time interface check.
var _ plugin.Host = (*Host)(nil)

// Options configures a Host.
type Options struct {
	// Command is the interpreter and leading arguments; the entry point is appended.
	Command []string
	// VenvPython, relative to the plugin directory, replaces Command[0] when present.
	VenvPython string
	// BindHost is the loopback address children listen on.
	BindHost     string
	StartTimeout time.Duration
	StopTimeout  time.Duration
	PollInterval time.Duration
	// Env is added to the allow-listed host environment of every child.
	Env []string
}

// Host runs script plugins as child processes.
type Host struct {
	opts      Options
	transport *http.Transport

	mu       sync.RWMutex
	children map[string]*child
	closed   bool
}

// NewHost returns a host. Zero durations take defaults.
func NewHost(opts Options) *Host {
	if opts.BindHost == "" {
		opts.BindHost = "127.0.0.1"
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 20 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Host{
		opts: opts,
		transport: &http.Transport{
			Proxy:               nil,
			DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
		children: make(map[string]*child),
	}
}

// Kind reports the script runtime.
func (h *Host) Kind() plugin.Kind { return plugin.KindScript }

// Load starts the plugin's interpreter and waits until it answers HTTP.
func (h *Host) Load(ctx context.Context, p *plugin.Plugin) (*plugin.Instance, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHostClosed
	}
	prev, ok := h.children[p.ID]
	if ok && prev.generation == p.Generation && prev.dir == p.Dir && prev.running() {
		h.mu.Unlock()
		return prev.instance(), nil
	}
	delete(h.children, p.ID)
	h.mu.Unlock()

	if ok {
		h.stop(prev)
	}

	c, err := h.start(ctx, p)
	if err != nil {
		return nil, plugin.LoadFailed(p.ID, plugin.KindScript, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		h.stop(c)
		return nil, ErrHostClosed
	}
	h.children[p.ID] = c
	return c.instance(), nil
}

// Unload stops the plugin's process group.
func (h *Host) Unload(_ context.Context, id string) error {
	h.mu.Lock()
	c, ok := h.children[id]
	delete(h.children, id)
	h.mu.Unlock()

	if ok {
		h.stop(c)
	}
	return nil
}

// Plugins returns ids of all running plugins.
func (h *Host) Plugins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.children))
	for id := range h.children {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close stops every child.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	children := h.children
	h.children = make(map[string]*child)
	h.closed = true
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range children {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.stop(c)
		}()
	}
	wg.Wait()
	h.transport.CloseIdleConnections()
	return nil
}

func (h *Host) command(p *plugin.Plugin) []string {
	args := slices.Clone(h.opts.Command)
	if h.opts.VenvPython != "" {
		venv := filepath.Join(p.Dir, h.opts.VenvPython)
		if info, err := os.Stat(venv); err == nil && !info.IsDir() {
			args[0] = venv
		}
	}
	return append(args, p.Entry)
}

func (h *Host) start(ctx context.Context, p *plugin.Plugin) (*child, error) {
	if len(h.opts.Command) == 0 {
		return nil, oops.Errorf("no interpreter configured")
	}
	port, err := freePort(h.opts.BindHost)
	if err != nil {
		return nil, err
	}

	args := h.command(p)
	cmd := exec.Command(args[0], args[1:]...) // #nosec G204 -- interpreter from operator config, entry resolved inside the plugin directory
	cmd.Dir = p.Dir
	cmd.Env = plugin.ChildEnv(append(slices.Clone(h.opts.Env),
		"PORT="+strconv.Itoa(port),
		"HOST="+h.opts.BindHost,
		"BOTMANAGER_PREFIX=/"+p.ID,
		"PYTHONUNBUFFERED=1",
	)...)
	out := newTail(8 << 10)
	cmd.Stdout = out
	cmd.Stderr = out
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, oops.With("command", args[0]).Wrapf(err, "start interpreter")
	}

	c := &child{
		id:         p.ID,
		dir:        p.Dir,
		generation: p.Generation,
		cmd:        cmd,
		output:     out,
		done:       make(chan struct{}),
		target:     &url.URL{Scheme: "http", Host: net.JoinHostPort(h.opts.BindHost, strconv.Itoa(port))},
	}
	go c.wait()

	if err := h.awaitReady(ctx, c); err != nil {
		h.stop(c)
		slog.Warn("plugin process failed to start",
			"plugin", p.ID,
			"pid", cmd.Process.Pid,
			"output", c.output.String(),
			"error", err)
		return nil, oops.With("output", c.output.String()).Wrap(err)
	}

	c.proxy = h.newProxy(c)
	slog.Info("plugin process started",
		"plugin", p.ID,
		"pid", cmd.Process.Pid,
		"addr", c.target.Host)
	return c, nil
}

// awaitReady polls the child until any HTTP response arrives, it exits, or
// the start timeout elapses.
func (h *Host) awaitReady(ctx context.Context, c *child) error {
	client := &http.Client{Transport: h.transport, Timeout: time.Second}
	backoff := retry.WithMaxDuration(h.opts.StartTimeout, retry.NewConstant(h.opts.PollInterval))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if !c.running() {
			return oops.With("exit", c.exitError()).Wrap(ErrExited)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.target.String()+"/", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		_ = resp.Body.Close() //nolint:errcheck // probe only
		return nil
	})
}

func (h *Host) newProxy(c *child) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(c.target)
			r.SetXForwarded()
			r.Out.Host = r.In.Host
		},
		Transport: h.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("plugin proxy error",
				"plugin", c.id,
				"path", r.URL.Path,
				"running", c.running(),
				"error", err)
			http.Error(w, "plugin unavailable", http.StatusBadGateway)
		},
	}
}

// stop terminates the child's process group, escalating to a kill after
// the stop timeout.
func (h *Host) stop(c *child) {
	if !c.running() {
		return
	}
	if err := terminateGroup(c.cmd); err != nil {
		slog.Debug("terminate signal failed", "plugin", c.id, "error", err)
	}
	select {
	case <-c.done:
		return
	case <-time.After(h.opts.StopTimeout):
	}
	slog.Warn("plugin process ignored terminate, killing", "plugin", c.id, "pid", c.cmd.Process.Pid)
	if err := killGroup(c.cmd); err != nil {
		slog.Warn("kill failed", "plugin", c.id, "error", err)
	}
	<-c.done
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, oops.Wrapf(err, "allocate port")
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, oops.Wrapf(err, "allocate port")
	}
	return port, nil
}
