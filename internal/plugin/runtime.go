// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

// Kind identifies a plugin runtime.
type Kind string

// Supported runtimes.
const (
	KindScript Kind = "script"
	KindLua    Kind = "lua"
	KindBinary Kind = "binary"
)

// Runtime describes how a runtime's entry point is recognised.
type Runtime struct {
	Kind       Kind
	EntryPoint string
	// SourceExt, when set, lets a lone top-level source file be promoted to
	// the entry point.
	SourceExt string
	// PackageMarker is never promoted to the entry point.
	PackageMarker string
}

// DefaultRuntimes returns the built-in runtime profiles in resolution order.
func DefaultRuntimes() []Runtime {
	return []Runtime{
		{Kind: KindScript, EntryPoint: "main.py", SourceExt: ".py", PackageMarker: "__init__.py"},
		{Kind: KindLua, EntryPoint: "main.lua", SourceExt: ".lua"},
		{Kind: KindBinary, EntryPoint: "plugin"},
	}
}
