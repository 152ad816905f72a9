// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/oops"
)

// Plugin is a plugin directory whose entry point has been located.
type Plugin struct {
	ID       string
	Dir      string
	Runtime  Runtime
	Entry    string
	Manifest *Manifest
	// Generation changes whenever the entry point is replaced, so hosts can
	// tell a reload of the same content from a new upload.
	Generation string
}

// EntryPath is the absolute path of the entry point.
func (p *Plugin) EntryPath() string {
	return filepath.Join(p.Dir, p.Entry)
}

// Resolver locates entry points using an ordered list of runtimes.
type Resolver struct {
	runtimes []Runtime
}

// NewResolver returns a resolver trying runtimes in order.
func NewResolver(runtimes []Runtime) *Resolver {
	return &Resolver{runtimes: slices.Clone(runtimes)}
}

// Runtimes returns the configured runtimes in resolution order.
func (r *Resolver) Runtimes() []Runtime {
	return slices.Clone(r.runtimes)
}

func (r *Resolver) runtime(kind Kind) (Runtime, bool) {
	for _, rt := range r.runtimes {
		if rt.Kind == kind {
			return rt, true
		}
	}
	return Runtime{}, false
}

// Resolve locates the entry point of dir without changing anything on disk.
// A directory with no entry point returns nil, nil: it is simply not loadable.
func (r *Resolver) Resolve(dir string) (*Plugin, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if m != nil {
		rt, err := r.manifestRuntime(m)
		if err != nil {
			return nil, err
		}
		if !isFile(filepath.Join(dir, rt.EntryPoint)) {
			return nil, nil
		}
		return newPlugin(dir, rt, m)
	}

	for _, rt := range r.runtimes {
		if isFile(filepath.Join(dir, rt.EntryPoint)) {
			return newPlugin(dir, rt, nil)
		}
	}
	return nil, nil
}

// Normalize is Resolve for freshly extracted content: when no entry point
// exists it promotes the first top-level source file (sorted by name, package
// markers excluded) of the first runtime that has one. It fails with
// NO_ENTRY_POINT when nothing qualifies. An existing entry point is never touched.
func (r *Resolver) Normalize(dir string) (*Plugin, error) {
	p, err := r.Resolve(dir)
	if err != nil || p != nil {
		return p, err
	}

	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	candidates := r.runtimes
	if m != nil {
		rt, err := r.manifestRuntime(m)
		if err != nil {
			return nil, err
		}
		candidates = []Runtime{rt}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, oops.Code(CodeNoEntryPoint).In("plugin").With("dir", dir).Wrap(err)
	}
	for _, rt := range candidates {
		if rt.SourceExt == "" {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if !e.Type().IsRegular() || name == rt.PackageMarker || !strings.EqualFold(filepath.Ext(name), rt.SourceExt) {
				continue
			}
			if err := os.Rename(filepath.Join(dir, name), filepath.Join(dir, rt.EntryPoint)); err != nil {
				return nil, oops.Code(CodeNoEntryPoint).In("plugin").
					With("dir", dir).With("source", name).Wrap(err)
			}
			return newPlugin(dir, rt, m)
		}
	}
	return nil, NoEntryPoint(dir)
}

// manifestRuntime returns the runtime a manifest selects, with its entry override.
func (r *Resolver) manifestRuntime(m *Manifest) (Runtime, error) {
	rt, ok := r.runtime(m.Runtime)
	if !ok {
		return Runtime{}, oops.Code(CodeInvalidManifest).In("plugin").
			With("runtime", string(m.Runtime)).
			Errorf("runtime %q is not enabled", m.Runtime)
	}
	if m.Entry != "" {
		rt.EntryPoint = m.Entry
	}
	return rt, nil
}

func newPlugin(dir string, rt Runtime, m *Manifest) (*Plugin, error) {
	info, err := os.Stat(filepath.Join(dir, rt.EntryPoint))
	if err != nil {
		return nil, oops.Code(CodeNoEntryPoint).In("plugin").With("dir", dir).Wrap(err)
	}
	return &Plugin{
		ID:         filepath.Base(dir),
		Dir:        dir,
		Runtime:    rt,
		Entry:      rt.EntryPoint,
		Manifest:   m,
		Generation: fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()),
	}, nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
