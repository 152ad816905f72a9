// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package dispatch routes requests to loaded plugins by their first path
// segment and rebuilds the routing table when plugins change.
package dispatch

import (
	"maps"
	"net/http"
	"slices"

	"github.com/holomush/botmanager/internal/plugin"
)

// Table is an immutable mapping from plugin id to its handler.
type Table struct {
	routes map[string]*plugin.Instance
}

// NewTable copies instances into a new table. Nil instances are skipped.
func NewTable(instances map[string]*plugin.Instance) *Table {
	routes := make(map[string]*plugin.Instance, len(instances))
	for id, inst := range instances {
		if inst != nil && inst.Handler != nil {
			routes[id] = inst
		}
	}
	return &Table{routes: routes}
}

// Handler returns the handler mounted at "/"+id.
func (t *Table) Handler(id string) (http.Handler, bool) {
	if t == nil {
		return nil, false
	}
	inst, ok := t.routes[id]
	if !ok {
		return nil, false
	}
	return inst.Handler, true
}

// Instance returns the instance mounted at "/"+id.
func (t *Table) Instance(id string) (*plugin.Instance, bool) {
	if t == nil {
		return nil, false
	}
	inst, ok := t.routes[id]
	return inst, ok
}

// IDs returns the routed plugin ids, sorted.
func (t *Table) IDs() []string {
	if t == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(t.routes))
}

// Len is the number of routed plugins.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}
