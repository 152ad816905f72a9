// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/botmanager/internal/plugin"
	"github.com/holomush/botmanager/pkg/errutil"
)

func TestParseManifest(t *testing.T) {
	m, err := plugin.ParseManifest([]byte(`
name: report-bot
version: 1.2.0
runtime: script
entry: app.py
requires: ">= 0.1.0"
description: builds weekly reports
`))
	require.NoError(t, err)

	assert.Equal(t, "report-bot", m.Name)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, plugin.KindScript, m.Runtime)
	assert.Equal(t, "app.py", m.Entry)
	assert.Equal(t, ">= 0.1.0", m.Requires)
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"bad yaml", "name: ["},
		{"missing name", "version: 1.0.0\nruntime: lua\n"},
		{"unknown runtime", "name: x\nversion: 1.0.0\nruntime: wasm\n"},
		{"unknown field", "name: x\nversion: 1.0.0\nruntime: lua\nevents: [say]\n"},
		{"entry with path", "name: x\nversion: 1.0.0\nruntime: lua\nentry: ../main.lua\n"},
		{"non semver version", "name: x\nversion: banana\nruntime: lua\n"},
		{"bad constraint", "name: x\nversion: 1.0.0\nruntime: lua\nrequires: banana\n"},
		{"numeric version", "name: x\nversion: 1.0\nruntime: lua\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugin.ParseManifest([]byte(tt.yaml))
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, plugin.CodeInvalidManifest)
		})
	}
}

func TestManifest_CheckRequires(t *testing.T) {
	m := &plugin.Manifest{Name: "x", Version: "1.0.0", Runtime: plugin.KindLua, Requires: "^1.2"}

	assert.NoError(t, m.CheckRequires("1.4.0"))
	assert.NoError(t, m.CheckRequires("dev"), "unversioned builds accept any constraint")
	err := m.CheckRequires("2.0.0")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, plugin.CodeInvalidManifest)

	assert.NoError(t, (&plugin.Manifest{}).CheckRequires("0.0.1"))
}

func TestReadManifest(t *testing.T) {
	dir := t.TempDir()
	m, err := plugin.ReadManifest(dir)
	require.NoError(t, err)
	assert.Nil(t, m, "missing manifest is not an error")

	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile),
		[]byte("name: lua-bot\nversion: 0.1.0\nruntime: lua\n"), 0o600))
	m, err = plugin.ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, plugin.KindLua, m.Runtime)
}

func TestGenerateSchema(t *testing.T) {
	data, err := plugin.GenerateSchema()
	require.NoError(t, err)
	assert.Contains(t, string(data), plugin.SchemaID)
	assert.Contains(t, string(data), `"runtime"`)
	assert.Contains(t, string(data), `"required"`)
}
