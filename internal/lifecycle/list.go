// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import (
	"context"

	"github.com/holomush/botmanager/internal/plugin"
)

// Summary is one row of the plugin listing.
type Summary struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"button_name"`
	IconPath    string      `json:"image"`
	Runtime     plugin.Kind `json:"runtime,omitempty"`
	State       State       `json:"state"`
	Routed      bool        `json:"routed"`
	PID         int         `json:"pid,omitempty"`
}

// List returns every registered plugin in id order. It does not take the
// mutation lock, so it reflects the last persisted registry.
func (c *Controller) List(ctx context.Context) ([]Summary, error) {
	records, err := c.deps.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	var routes interface {
		Instance(string) (*plugin.Instance, bool)
	}
	if c.deps.Routes != nil {
		if t := c.deps.Routes.Table(); t != nil {
			routes = t
		}
	}

	out := make([]Summary, 0, len(records))
	for _, id := range records.IDs() {
		rec := records[id]
		s := Summary{
			ID:          id,
			DisplayName: rec.DisplayName,
			IconPath:    rec.IconPath,
			State:       c.states.get(id),
			PID:         rec.ProcessID,
		}
		if s.DisplayName == "" {
			s.DisplayName = id
		}
		if s.IconPath == "" {
			s.IconPath = c.defaultIcon
		}
		if routes != nil {
			if inst, ok := routes.Instance(id); ok {
				s.Routed = true
				s.Runtime = inst.Runtime
			}
		}
		if s.State == StateAbsent && s.Routed {
			s.State = StateActive
		}
		out = append(out, s)
	}
	return out, nil
}

// Registered reports whether id is in the registry.
func (c *Controller) Registered(ctx context.Context, id string) (bool, error) {
	records, err := c.deps.Store.Load(ctx)
	if err != nil {
		return false, err
	}
	_, ok := records[id]
	return ok, nil
}
