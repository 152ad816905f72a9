// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/holomush/botmanager/internal/plugin"
	"github.com/holomush/botmanager/pkg/errutil"
)

type mockHost struct {
	mock.Mock
	kind plugin.Kind
}

func (h *mockHost) Kind() plugin.Kind { return h.kind }

func (h *mockHost) Load(ctx context.Context, p *plugin.Plugin) (*plugin.Instance, error) {
	args := h.Called(ctx, p)
	inst, _ := args.Get(0).(*plugin.Instance)
	return inst, args.Error(1)
}

func (h *mockHost) Unload(ctx context.Context, id string) error {
	return h.Called(ctx, id).Error(0)
}

func (h *mockHost) Plugins() []string { return nil }

func (h *mockHost) Close(ctx context.Context) error {
	return h.Called(ctx).Error(0)
}

func newPluginsDir(t *testing.T, layout map[string]map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for id, files := range layout {
		dir := filepath.Join(root, id)
		require.NoError(t, os.MkdirAll(dir, 0o750))
		writeFiles(t, dir, files)
	}
	return root
}

func TestManager_Discover(t *testing.T) {
	root := newPluginsDir(t, map[string]map[string]string{
		"alpha":   {"main.py": ""},
		"beta":    {"main.lua": ""},
		"broken":  {"main.py": "", "plugin.yaml": "name: ["},
		"empty":   {},
		".hidden": {"main.py": ""},
	})
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), nil, 0o600))

	mgr := plugin.NewManager(root, plugin.NewResolver(plugin.DefaultRuntimes()))
	found, err := mgr.Discover(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(found))
	for _, p := range found {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{"alpha", "beta"}, ids)
}

func TestManager_DiscoverMissingDir(t *testing.T) {
	mgr := plugin.NewManager(filepath.Join(t.TempDir(), "none"), plugin.NewResolver(plugin.DefaultRuntimes()))
	found, err := mgr.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestManager_LoadRoutesByRuntime(t *testing.T) {
	ctx := context.Background()
	root := newPluginsDir(t, map[string]map[string]string{"alpha": {"main.lua": ""}})
	lua := &mockHost{kind: plugin.KindLua}
	script := &mockHost{kind: plugin.KindScript}

	mgr := plugin.NewManager(root, plugin.NewResolver(plugin.DefaultRuntimes()), plugin.WithHost(lua), plugin.WithHost(script))
	found, err := mgr.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)

	want := &plugin.Instance{ID: "alpha", Runtime: plugin.KindLua}
	lua.On("Load", ctx, found[0]).Return(want, nil).Once()

	got, err := mgr.Load(ctx, found[0])
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Equal(t, []string{"alpha"}, mgr.ListPlugins())

	inst, ok := mgr.Instance("alpha")
	require.True(t, ok)
	assert.Same(t, want, inst)

	lua.On("Unload", ctx, "alpha").Return(nil).Once()
	require.NoError(t, mgr.Unload(ctx, "alpha"))
	assert.Empty(t, mgr.ListPlugins())
	require.NoError(t, mgr.Unload(ctx, "alpha"), "unknown id is ignored")

	lua.AssertExpectations(t)
	script.AssertNotCalled(t, "Load", mock.Anything, mock.Anything)
}

func TestManager_LoadRuntimeNotEnabled(t *testing.T) {
	mgr := plugin.NewManager(t.TempDir(), plugin.NewResolver(plugin.DefaultRuntimes()))
	_, err := mgr.Load(context.Background(), &plugin.Plugin{ID: "x", Runtime: plugin.Runtime{Kind: plugin.KindBinary}})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, plugin.CodeLoadFailed)
}

func TestManager_LoadEnforcesRequires(t *testing.T) {
	ctx := context.Background()
	h := &mockHost{kind: plugin.KindLua}
	mgr := plugin.NewManager(t.TempDir(), plugin.NewResolver(plugin.DefaultRuntimes()),
		plugin.WithHost(h), plugin.WithHostVersion("1.4.0"))

	tooNew := &plugin.Plugin{
		ID:       "future",
		Runtime:  plugin.Runtime{Kind: plugin.KindLua},
		Manifest: &plugin.Manifest{Name: "future", Version: "1.0.0", Runtime: plugin.KindLua, Requires: ">= 2.0.0"},
	}
	_, err := mgr.Load(ctx, tooNew)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, plugin.CodeInvalidManifest)
	assert.Contains(t, err.Error(), ">= 2.0.0")
	h.AssertNotCalled(t, "Load", mock.Anything, mock.Anything)
	_, ok := mgr.Instance("future")
	assert.False(t, ok)

	fits := &plugin.Plugin{
		ID:       "current",
		Runtime:  plugin.Runtime{Kind: plugin.KindLua},
		Manifest: &plugin.Manifest{Name: "current", Version: "1.0.0", Runtime: plugin.KindLua, Requires: "^1.2"},
	}
	h.On("Load", ctx, fits).Return(&plugin.Instance{ID: "current", Runtime: plugin.KindLua}, nil).Once()
	_, err = mgr.Load(ctx, fits)
	require.NoError(t, err)
	h.AssertExpectations(t)
}

func TestManager_LoadFailureForgetsPreviousInstance(t *testing.T) {
	ctx := context.Background()
	h := &mockHost{kind: plugin.KindLua}
	mgr := plugin.NewManager(t.TempDir(), plugin.NewResolver(plugin.DefaultRuntimes()), plugin.WithHost(h))
	p := &plugin.Plugin{ID: "x", Runtime: plugin.Runtime{Kind: plugin.KindLua}}

	h.On("Load", ctx, p).Return(&plugin.Instance{ID: "x", Runtime: plugin.KindLua}, nil).Once()
	_, err := mgr.Load(ctx, p)
	require.NoError(t, err)

	h.On("Load", ctx, p).Return(nil, errors.New("syntax error")).Once()
	_, err = mgr.Load(ctx, p)
	require.Error(t, err)
	_, ok := mgr.Instance("x")
	assert.False(t, ok)
}

func TestManager_RuntimeSwitchUnloadsOldHost(t *testing.T) {
	ctx := context.Background()
	lua := &mockHost{kind: plugin.KindLua}
	script := &mockHost{kind: plugin.KindScript}
	mgr := plugin.NewManager(t.TempDir(), plugin.NewResolver(plugin.DefaultRuntimes()), plugin.WithHost(lua), plugin.WithHost(script))

	asLua := &plugin.Plugin{ID: "x", Runtime: plugin.Runtime{Kind: plugin.KindLua}}
	asScript := &plugin.Plugin{ID: "x", Runtime: plugin.Runtime{Kind: plugin.KindScript}}

	lua.On("Load", ctx, asLua).Return(&plugin.Instance{ID: "x", Runtime: plugin.KindLua}, nil)
	lua.On("Unload", ctx, "x").Return(nil).Once()
	script.On("Load", ctx, asScript).Return(&plugin.Instance{ID: "x", Runtime: plugin.KindScript, PID: 99}, nil)

	_, err := mgr.Load(ctx, asLua)
	require.NoError(t, err)
	inst, err := mgr.Load(ctx, asScript)
	require.NoError(t, err)
	assert.Equal(t, 99, inst.PID)

	lua.AssertExpectations(t)
	script.AssertExpectations(t)
}

func TestManager_CloseJoinsHostErrors(t *testing.T) {
	ctx := context.Background()
	lua := &mockHost{kind: plugin.KindLua}
	script := &mockHost{kind: plugin.KindScript}
	lua.On("Close", ctx).Return(errors.New("lua stuck"))
	script.On("Close", ctx).Return(nil)

	mgr := plugin.NewManager(t.TempDir(), plugin.NewResolver(plugin.DefaultRuntimes()), plugin.WithHost(lua), plugin.WithHost(script))
	err := mgr.Close(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lua stuck")
}
