// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/botmanager/internal/plugin"
	"github.com/holomush/botmanager/pkg/errutil"
)

// zipOf builds an archive; names ending in "/" become directory entries.
func zipOf(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for name, body := range files {
		if strings.HasSuffix(name, "/") {
			_, err := w.Create(name)
			require.NoError(t, err)
			continue
		}
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf
}

type fixture struct {
	ing     *Ingestor
	plugins string
	staging string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	opts := Options{
		StagingDir:   filepath.Join(root, "staging"),
		PluginsDir:   filepath.Join(root, "plugins"),
		MaxFiles:     100,
		MaxFileBytes: 1 << 20,
		Exclude:      []string{"__MACOSX", ".DS_Store", "__pycache__"},
	}
	ing, err := New(opts, plugin.NewResolver(plugin.DefaultRuntimes()))
	require.NoError(t, err)
	return fixture{ing: ing, plugins: opts.PluginsDir, staging: opts.StagingDir}
}

func (f fixture) assertStagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.staging)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "staging must be cleaned up")
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestCreate_FlatArchive(t *testing.T) {
	f := newFixture(t)
	archive := zipOf(t, map[string]string{"main.py": "print('hi')", "requirements.txt": "flask\n"})

	p, err := f.ing.Create(context.Background(), "my_bot_", File{Name: "bot.zip", Body: archive})
	require.NoError(t, err)

	dir := filepath.Join(f.plugins, "my_bot_")
	assert.Equal(t, dir, p.Dir)
	assert.Equal(t, plugin.KindScript, p.Runtime.Kind)
	assert.Equal(t, "print('hi')", readFile(t, filepath.Join(dir, "main.py")))
	assert.FileExists(t, filepath.Join(dir, "requirements.txt"))
	f.assertStagingEmpty(t)
}

func TestCreate_FlattensSingleFolderAndRenamesScript(t *testing.T) {
	f := newFixture(t)
	archive := zipOf(t, map[string]string{
		"bot/":           "",
		"bot/script.py":  "run()",
		"bot/helper.txt": "x",
	})

	_, err := f.ing.Create(context.Background(), "my_bot_", File{Name: "Bot.ZIP", Body: archive})
	require.NoError(t, err)

	dir := filepath.Join(f.plugins, "my_bot_")
	assert.Equal(t, "run()", readFile(t, filepath.Join(dir, "main.py")))
	assert.NoFileExists(t, filepath.Join(dir, "script.py"))
	assert.FileExists(t, filepath.Join(dir, "helper.txt"))
	assert.NoDirExists(t, filepath.Join(dir, "bot"))
}

func TestCreate_JunkEntriesDoNotDefeatFlattening(t *testing.T) {
	f := newFixture(t)
	archive := zipOf(t, map[string]string{
		"bot/main.lua":              "function handle(r) return 'ok' end",
		"bot/.DS_Store":             "junk",
		"__MACOSX/bot/._main.lua":   "junk",
		"bot/__pycache__/x.cpython": "junk",
	})

	p, err := f.ing.Create(context.Background(), "lua_bot", File{Name: "bot.zip", Body: archive})
	require.NoError(t, err)

	assert.Equal(t, plugin.KindLua, p.Runtime.Kind)
	dir := filepath.Join(f.plugins, "lua_bot")
	assert.FileExists(t, filepath.Join(dir, "main.lua"))
	assert.NoFileExists(t, filepath.Join(dir, ".DS_Store"))
	assert.NoDirExists(t, filepath.Join(dir, "__pycache__"))
}

func TestCreate_NestedFolderAmongFilesIsNotFlattened(t *testing.T) {
	f := newFixture(t)
	archive := zipOf(t, map[string]string{"main.py": "", "lib/util.py": ""})

	_, err := f.ing.Create(context.Background(), "x", File{Name: "x.zip", Body: archive})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(f.plugins, "x", "lib", "util.py"))
}

func TestCreate_ReplacesExistingDirectory(t *testing.T) {
	f := newFixture(t)
	old := filepath.Join(f.plugins, "x")
	require.NoError(t, os.MkdirAll(old, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(old, "stale.txt"), nil, 0o600))

	_, err := f.ing.Create(context.Background(), "x", File{Name: "x.zip", Body: zipOf(t, map[string]string{"main.py": ""})})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(old, "stale.txt"))
	assert.FileExists(t, filepath.Join(old, "main.py"))
}

func TestCreate_CorruptArchive(t *testing.T) {
	f := newFixture(t)

	_, err := f.ing.Create(context.Background(), "x", File{Name: "x.zip", Body: strings.NewReader("not a zip at all")})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeCorruptArchive)
	assert.NoDirExists(t, filepath.Join(f.plugins, "x"))
	f.assertStagingEmpty(t)
}

func TestCreate_PathTraversalRejected(t *testing.T) {
	f := newFixture(t)
	archive := zipOf(t, map[string]string{"main.py": "", "../../escape.txt": "gotcha"})

	_, err := f.ing.Create(context.Background(), "x", File{Name: "x.zip", Body: archive})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeCorruptArchive)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(f.staging), "escape.txt"))
}

func TestCreate_FileLimit(t *testing.T) {
	f := newFixture(t)
	f.ing.opts.MaxFiles = 2
	archive := zipOf(t, map[string]string{"main.py": "", "a.txt": "", "b.txt": ""})

	_, err := f.ing.Create(context.Background(), "x", File{Name: "x.zip", Body: archive})
	errutil.AssertErrorCode(t, err, CodeCorruptArchive)
}

func TestCreate_NoEntryPoint(t *testing.T) {
	f := newFixture(t)
	archive := zipOf(t, map[string]string{"README.md": "", "__init__.py": ""})

	_, err := f.ing.Create(context.Background(), "x", File{Name: "x.zip", Body: archive})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, plugin.CodeNoEntryPoint)
	assert.NoDirExists(t, filepath.Join(f.plugins, "x"))
	f.assertStagingEmpty(t)
}

func TestCreate_RejectsNonZipName(t *testing.T) {
	f := newFixture(t)
	_, err := f.ing.Create(context.Background(), "x", File{Name: "x.tar.gz", Body: zipOf(t, map[string]string{"main.py": ""})})
	errutil.AssertErrorCode(t, err, plugin.CodeInvalidInput)
}

func TestReplace_KeepsDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ing.Create(ctx, "x", File{Name: "x.zip", Body: zipOf(t, map[string]string{"main.py": "v1", "old.txt": ""})})
	require.NoError(t, err)

	dir := filepath.Join(f.plugins, "x")
	before, err := os.Stat(dir)
	require.NoError(t, err)

	p, err := f.ing.Replace(ctx, "x", File{Name: "x.zip", Body: zipOf(t, map[string]string{"v2/": "", "v2/main.py": "v2"})})
	require.NoError(t, err)
	assert.Equal(t, dir, p.Dir)

	after, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after), "directory must be reused")
	assert.Equal(t, "v2", readFile(t, filepath.Join(dir, "main.py")))
	assert.NoFileExists(t, filepath.Join(dir, "old.txt"))
	f.assertStagingEmpty(t)
}

func TestReplace_FailureLeavesExistingContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ing.Create(ctx, "x", File{Name: "x.zip", Body: zipOf(t, map[string]string{"main.py": "v1"})})
	require.NoError(t, err)

	_, err = f.ing.Replace(ctx, "x", File{Name: "x.zip", Body: strings.NewReader("garbage")})
	errutil.AssertErrorCode(t, err, CodeCorruptArchive)
	assert.Equal(t, "v1", readFile(t, filepath.Join(f.plugins, "x", "main.py")))
}

func TestNew_InvalidGlob(t *testing.T) {
	_, err := New(Options{Exclude: []string{"[unterminated"}}, plugin.NewResolver(plugin.DefaultRuntimes()))
	errutil.AssertErrorCode(t, err, "INVALID_EXCLUDE")
}
