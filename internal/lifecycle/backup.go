// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/samber/oops"
)

// BackupTimeLayout formats the timestamp suffix of backup directories.
const BackupTimeLayout = "2006-01-02_15-04-05"

// Backups writes snapshots of plugin directories. Backups are never pruned.
type Backups struct {
	dir string
	now func() time.Time
}

// NewBackups stores snapshots under dir.
func NewBackups(dir string) *Backups {
	return &Backups{dir: dir, now: time.Now}
}

// Dir is the directory holding every snapshot.
func (b *Backups) Dir() string { return b.dir }

// Snapshot copies src to <dir>/<id>_<timestamp>. Two snapshots within the
// same second get a numeric suffix. A missing src is skipped and returns "".
func (b *Backups) Snapshot(id, src string) (string, error) {
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("plugin directory missing, skipping backup", "plugin", id, "dir", src)
		return "", nil
	}
	if err != nil {
		return "", oops.In("backup").With("dir", src).Wrap(err)
	}
	if !info.IsDir() {
		return "", oops.In("backup").With("dir", src).Errorf("not a directory")
	}

	if err := os.MkdirAll(b.dir, 0o750); err != nil {
		return "", oops.In("backup").With("dir", b.dir).Wrapf(err, "create backup directory")
	}

	base := id + "_" + b.now().Format(BackupTimeLayout)
	dst := filepath.Join(b.dir, base)
	for n := 1; exists(dst); n++ {
		dst = filepath.Join(b.dir, base+"_"+strconv.Itoa(n))
	}

	if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
		if rmErr := os.RemoveAll(dst); rmErr != nil {
			slog.Warn("partial backup cleanup failed", "dir", dst, "error", rmErr)
		}
		return "", oops.In("backup").With("src", src).With("dst", dst).Wrap(err)
	}
	slog.Info("backup created", "plugin", id, "path", dst)
	return dst, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
