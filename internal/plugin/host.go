// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin locates plugin entry points and loads plugins through
// per-runtime hosts.
package plugin

import (
	"context"
	"net/http"
)

// Instance is a loaded plugin ready to serve requests below its prefix.
type Instance struct {
	ID         string
	Runtime    Kind
	Generation string
	Handler    http.Handler
	// PID is the child process id for process-backed runtimes, else 0.
	PID int
}

// Host loads plugins of a single runtime.
type Host interface {
	// Kind reports the runtime served by this host.
	Kind() Kind

	// Load starts p and returns its instance. Loading the same generation of
	// an already running plugin returns the running instance; a different
	// generation replaces it.
	Load(ctx context.Context, p *Plugin) (*Instance, error)

	// Unload stops the plugin. Unknown ids are not an error.
	Unload(ctx context.Context, id string) error

	// Plugins returns ids of all loaded plugins.
	Plugins() []string

	// Close shuts down the host and all plugins.
	Close(ctx context.Context) error
}
