// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package ingest turns an uploaded archive into a plugin directory.
package ingest

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/flytam/filenamify"
	"github.com/gobwas/glob"
	getter "github.com/hashicorp/go-getter"
	"github.com/samber/oops"

	"github.com/holomush/botmanager/internal/plugin"
)

// CodeCorruptArchive reports an upload that could not be extracted.
const CodeCorruptArchive = "CORRUPT_ARCHIVE"

// File is an uploaded file.
type File struct {
	Name string
	Body io.Reader
}

// Options configures an Ingestor.
type Options struct {
	StagingDir string
	PluginsDir string
	// MaxFiles and MaxFileBytes bound extraction; zero means unlimited.
	MaxFiles     int
	MaxFileBytes int64
	// Exclude globs are matched against each entry's slash-separated
	// relative path and its base name.
	Exclude []string
}

// Ingestor extracts archives into plugin directories.
type Ingestor struct {
	opts     Options
	resolver *plugin.Resolver
	exclude  []glob.Glob
}

// New compiles the exclude globs.
func New(opts Options, resolver *plugin.Resolver) (*Ingestor, error) {
	ing := &Ingestor{opts: opts, resolver: resolver}
	for _, pattern := range opts.Exclude {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, oops.Code("INVALID_EXCLUDE").In("ingest").With("pattern", pattern).Wrap(err)
		}
		ing.exclude = append(ing.exclude, g)
	}
	return ing, nil
}

// Dir returns the plugin directory for id.
func (i *Ingestor) Dir(id string) string {
	return filepath.Join(i.opts.PluginsDir, id)
}

// Create extracts archive and installs it as <plugins>/<id>, replacing any
// existing directory. On failure nothing created by the call remains.
func (i *Ingestor) Create(ctx context.Context, id string, archive File) (*plugin.Plugin, error) {
	return i.ingest(ctx, id, archive, i.commitNew)
}

// Replace extracts archive into the existing <plugins>/<id>: its contents
// are removed and replaced while the directory itself is kept.
func (i *Ingestor) Replace(ctx context.Context, id string, archive File) (*plugin.Plugin, error) {
	return i.ingest(ctx, id, archive, i.commitInPlace)
}

func (i *Ingestor) ingest(ctx context.Context, id string, archive File, commit func(root, dst string) error) (*plugin.Plugin, error) {
	if err := ValidateArchiveName(archive.Name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(i.opts.StagingDir, 0o750); err != nil {
		return nil, oops.In("ingest").With("dir", i.opts.StagingDir).Wrapf(err, "create staging directory")
	}
	work, err := os.MkdirTemp(i.opts.StagingDir, id+"-*")
	if err != nil {
		return nil, oops.In("ingest").With("dir", i.opts.StagingDir).Wrapf(err, "create staging directory")
	}
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			slog.Warn("staging cleanup failed", "dir", work, "error", err)
		}
	}()

	root, err := i.extract(ctx, work, archive)
	if err != nil {
		return nil, err
	}
	if _, err := i.resolver.Normalize(root); err != nil {
		return nil, oops.With("plugin", id).Wrap(err)
	}

	dst := i.Dir(id)
	if err := commit(root, dst); err != nil {
		return nil, oops.In("ingest").With("plugin", id).With("dir", dst).Wrapf(err, "commit plugin directory")
	}

	p, err := i.resolver.Resolve(dst)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, plugin.NoEntryPoint(dst)
	}
	slog.Info("archive ingested",
		"plugin", id,
		"runtime", p.Runtime.Kind,
		"entry", p.Entry)
	return p, nil
}

// extract saves the upload under work, decompresses it, drops excluded
// entries and returns the content root.
func (i *Ingestor) extract(ctx context.Context, work string, archive File) (string, error) {
	name, err := filenamify.Filenamify(filepath.Base(archive.Name), filenamify.Options{Replacement: "_"})
	if err != nil || name == "" {
		name = "upload.zip"
	}
	src := filepath.Join(work, name)
	f, err := os.OpenFile(src, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // name is sanitized
	if err != nil {
		return "", oops.In("ingest").With("path", src).Wrapf(err, "save upload")
	}
	_, copyErr := io.Copy(f, archive.Body)
	if err := errors.Join(copyErr, f.Close()); err != nil {
		return "", oops.In("ingest").With("path", src).Wrapf(err, "save upload")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	content := filepath.Join(work, "content")
	zd := &getter.ZipDecompressor{
		FilesLimit:    i.opts.MaxFiles,
		FileSizeLimit: i.opts.MaxFileBytes,
	}
	if err := zd.Decompress(content, src, true, 0o022); err != nil {
		return "", oops.Code(CodeCorruptArchive).In("ingest").
			With("archive", archive.Name).
			Hint("upload a valid .zip archive").
			Wrap(err)
	}

	if err := i.dropExcluded(content); err != nil {
		return "", err
	}
	return flatten(content)
}

func (i *Ingestor) dropExcluded(content string) error {
	if len(i.exclude) == 0 {
		return nil
	}
	return filepath.WalkDir(content, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == content {
			return nil
		}
		rel, err := filepath.Rel(content, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !i.excluded(rel) {
			return nil
		}
		if err := os.RemoveAll(p); err != nil {
			return oops.In("ingest").With("path", rel).Wrapf(err, "remove excluded entry")
		}
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
}

func (i *Ingestor) excluded(rel string) bool {
	base := path.Base(rel)
	for _, g := range i.exclude {
		if g.Match(rel) || g.Match(base) {
			return true
		}
	}
	return false
}

// flatten returns the lone top-level directory when the archive wraps its
// content in one, else content itself.
func flatten(content string) (string, error) {
	entries, err := os.ReadDir(content)
	if err != nil {
		return "", oops.Code(CodeCorruptArchive).In("ingest").Wrap(err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(content, entries[0].Name()), nil
	}
	return content, nil
}

// commitNew moves root to dst, replacing whatever was there.
func (i *Ingestor) commitNew(root, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.Rename(root, dst); err == nil {
		return nil
	}
	// Staging may sit on another filesystem.
	if err := os.CopyFS(dst, os.DirFS(root)); err != nil {
		_ = os.RemoveAll(dst) //nolint:errcheck // best effort after failed copy
		return err
	}
	return nil
}

// commitInPlace empties dst and moves root's entries into it.
func (i *Ingestor) commitInPlace(root, dst string) error {
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	if err := clearDir(dst); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		from, to := filepath.Join(root, e.Name()), filepath.Join(dst, e.Name())
		if err := os.Rename(from, to); err != nil {
			if err := os.CopyFS(dst, os.DirFS(root)); err != nil {
				return err
			}
			return nil
		}
	}
	return nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
