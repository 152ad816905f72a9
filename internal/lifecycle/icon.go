// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/holomush/botmanager/internal/plugin/ingest"
)

// Icons stores one icon per plugin as <dir>/<id>.png.
type Icons struct {
	dir       string
	urlPrefix string
}

// NewIcons serves icons saved in dir under urlPrefix.
func NewIcons(dir, urlPrefix string) *Icons {
	return &Icons{dir: dir, urlPrefix: urlPrefix}
}

func (i *Icons) path(id string) string {
	return filepath.Join(i.dir, id+".png")
}

// URL is the public path of id's icon.
func (i *Icons) URL(id string) string {
	return path.Join(i.urlPrefix, id+".png")
}

// Save writes icon for id, replacing any previous one, and returns its URL.
func (i *Icons) Save(id string, icon ingest.File) (string, error) {
	if err := os.MkdirAll(i.dir, 0o750); err != nil {
		return "", oops.In("icons").With("dir", i.dir).Wrap(err)
	}
	tmp, err := os.CreateTemp(i.dir, "."+id+"-*.png")
	if err != nil {
		return "", oops.In("icons").With("dir", i.dir).Wrap(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, icon.Body); err != nil {
		_ = tmp.Close()
		return "", oops.In("icons").With("plugin", id).Wrapf(err, "write icon")
	}
	if err := tmp.Close(); err != nil {
		return "", oops.In("icons").With("plugin", id).Wrapf(err, "write icon")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil { //nolint:gosec // served publicly
		return "", oops.In("icons").With("plugin", id).Wrap(err)
	}
	if err := os.Rename(tmp.Name(), i.path(id)); err != nil {
		return "", oops.In("icons").With("plugin", id).Wrap(err)
	}
	return i.URL(id), nil
}

// Remove deletes id's icon. A missing icon is not an error.
func (i *Icons) Remove(id string) error {
	if err := os.Remove(i.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return oops.In("icons").With("plugin", id).Wrap(err)
	}
	return nil
}
