// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package registry persists the mapping from plugin id to plugin record.
// Stores are read and written wholesale.
package registry

import (
	"context"
	"maps"
	"slices"
)

// DefaultIcon is the icon path recorded when a plugin has no icon of its own.
const DefaultIcon = "/static/images/default.png"

// Error codes returned by stores.
const (
	CodeCorrupt      = "REGISTRY_CORRUPT"
	CodeWriteFailed  = "REGISTRY_WRITE_FAILED"
	CodeReadFailed   = "REGISTRY_READ_FAILED"
	CodeSchemaAbsent = "REGISTRY_SCHEMA_MISSING"
)

// Record describes one registered plugin.
type Record struct {
	DisplayName string `json:"button_name"`
	IconPath    string `json:"image"`
	// ProcessID is set only while a spawned process is believed to be running.
	ProcessID int `json:"pid,omitempty"`
}

// Records maps plugin id to record.
type Records map[string]Record

// Clone returns a copy that can be mutated without affecting r.
func (r Records) Clone() Records {
	out := make(Records, len(r))
	maps.Copy(out, r)
	return out
}

// IDs returns the registered ids in sorted order.
func (r Records) IDs() []string {
	return slices.Sorted(maps.Keys(r))
}

// Store loads and saves the complete registry.
type Store interface {
	// Load returns every record. A registry that was never written is empty.
	Load(ctx context.Context) (Records, error)
	// Save replaces the registry with records. Readers never observe a
	// partially written registry.
	Save(ctx context.Context, records Records) error
}
