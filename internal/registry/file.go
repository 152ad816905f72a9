// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

// FileStore keeps the registry in a JSON document on disk.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by the JSON document at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the registry document location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the registry document. A missing document yields an empty registry.
func (s *FileStore) Load(_ context.Context) (Records, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Records{}, nil
	}
	if err != nil {
		return nil, oops.Code(CodeReadFailed).In("registry").With("path", s.path).Wrap(err)
	}

	records := Records{}
	if len(bytes.TrimSpace(data)) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, oops.Code(CodeCorrupt).In("registry").
			With("path", s.path).
			Hint("fix or remove the registry file; backups of plugin directories are unaffected").
			Wrapf(err, "parse registry")
	}
	return records, nil
}

// Save writes records to a temporary file next to the target, syncs it and
// renames it into place.
func (s *FileStore) Save(_ context.Context, records Records) error {
	if records == nil {
		records = Records{}
	}
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return oops.Code(CodeWriteFailed).In("registry").Wrap(err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return oops.Code(CodeWriteFailed).In("registry").With("path", dir).Wrap(err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return oops.Code(CodeWriteFailed).In("registry").With("path", s.path).Wrap(err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()        //nolint:errcheck // already failing
			_ = os.Remove(tmpName) //nolint:errcheck // best effort
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return oops.Code(CodeWriteFailed).In("registry").With("path", tmpName).Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		return oops.Code(CodeWriteFailed).In("registry").With("path", tmpName).Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return oops.Code(CodeWriteFailed).In("registry").With("path", tmpName).Wrap(err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return oops.Code(CodeWriteFailed).In("registry").With("path", s.path).Wrap(err)
	}
	committed = true
	return nil
}
