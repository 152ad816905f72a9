// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import "github.com/samber/oops"

// Error codes shared by the plugin packages.
const (
	CodeInvalidInput    = "INVALID_INPUT"
	CodeNoEntryPoint    = "NO_ENTRY_POINT"
	CodeInvalidManifest = "INVALID_MANIFEST"
	CodeLoadFailed      = "PLUGIN_LOAD_FAILED"
)

// InvalidInput reports upload metadata that cannot be accepted.
func InvalidInput(field, format string, args ...any) error {
	return oops.Code(CodeInvalidInput).In("plugin").With("field", field).Errorf(format, args...)
}

// NoEntryPoint reports a plugin directory without a usable entry point.
func NoEntryPoint(dir string) error {
	return oops.Code(CodeNoEntryPoint).In("plugin").
		With("dir", dir).
		Hint("include main.py, main.lua, an executable named plugin, or a plugin.yaml").
		Errorf("no entry point found")
}

// LoadFailed wraps a runtime start failure for id.
func LoadFailed(id string, runtime Kind, err error) error {
	return oops.Code(CodeLoadFailed).In("plugin").
		With("plugin", id).
		With("runtime", string(runtime)).
		Wrap(err)
}
