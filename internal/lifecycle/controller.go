// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package lifecycle orchestrates creating, updating and deleting plugins.
//
// Every mutation runs under one lock: it stops whatever the plugin is
// running, snapshots the directory before changing it, applies the change,
// persists the registry and rebuilds the routing table.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/botmanager/internal/config"
	"github.com/holomush/botmanager/internal/dispatch"
	"github.com/holomush/botmanager/internal/observability"
	"github.com/holomush/botmanager/internal/plugin"
	"github.com/holomush/botmanager/internal/plugin/ingest"
	"github.com/holomush/botmanager/internal/plugin/installer"
	"github.com/holomush/botmanager/internal/registry"
	"github.com/holomush/botmanager/pkg/errutil"
)

const tracerName = "github.com/holomush/botmanager/internal/lifecycle"

// Ingestor writes archive content into plugin directories.
type Ingestor interface {
	Dir(id string) string
	Create(ctx context.Context, id string, archive ingest.File) (*plugin.Plugin, error)
	Replace(ctx context.Context, id string, archive ingest.File) (*plugin.Plugin, error)
}

// Installer provisions plugin dependencies.
type Installer interface {
	Install(ctx context.Context, dir string) (installer.Result, error)
}

// Unloader stops a loaded plugin.
type Unloader interface {
	Unload(ctx context.Context, id string) error
}

// Rebuilder rebuilds and installs the routing table.
type Rebuilder interface {
	Rebuild(ctx context.Context) (*dispatch.Table, error)
}

// Routes exposes the installed routing table.
type Routes interface {
	Table() *dispatch.Table
}

// Terminator stops tracked processes and waits for directory release.
type Terminator interface {
	Terminate(ctx context.Context, pid int) error
	OwnedBy(ctx context.Context, pid int, dir string) (bool, error)
	AwaitRelease(ctx context.Context, dir string) error
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Store      registry.Store
	Ingestor   Ingestor
	Installer  Installer
	Unloader   Unloader
	Rebuilder  Rebuilder
	Routes     Routes
	Terminator Terminator
	Backups    *Backups
	Icons      *Icons
	Metrics    *observability.Metrics
	Tracer     trace.Tracer
}

// Options configures a Controller.
type Options struct {
	// OnConflict is config.OnConflictReplace or config.OnConflictReject.
	OnConflict  string
	DefaultIcon string
}

// Controller serializes plugin mutations.
type Controller struct {
	deps        Deps
	onConflict  string
	defaultIcon string

	remove      func(string) error
	forceRemove func(string) error

	mu     sync.Mutex
	states *states
}

// New returns a controller. Deps.Tracer defaults to the global provider.
func New(deps Deps, opts Options) *Controller {
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if deps.Terminator == nil {
		deps.Terminator = NewProcessTerminator(0)
	}
	if opts.OnConflict == "" {
		opts.OnConflict = config.OnConflictReplace
	}
	if opts.DefaultIcon == "" {
		opts.DefaultIcon = registry.DefaultIcon
	}
	return &Controller{
		deps:        deps,
		onConflict:  opts.OnConflict,
		defaultIcon: opts.DefaultIcon,
		remove:      os.RemoveAll,
		forceRemove: forceRemoveAll,
		states:      newStates(),
	}
}

// CreateRequest is an upload of a new plugin.
type CreateRequest struct {
	DisplayName string
	Archive     ingest.File
	Icon        *ingest.File
	// Replace overwrites an existing plugin with the same id even when the
	// configured conflict policy is reject.
	Replace bool
}

// UpdateRequest changes an existing plugin. Nil or empty fields are left alone.
type UpdateRequest struct {
	DisplayName string
	Archive     *ingest.File
	Icon        *ingest.File
}

// DeleteResult describes a completed delete.
type DeleteResult struct {
	ID string
	// Forced is set when the first removal failed and the forced removal
	// succeeded.
	Forced bool
	Backup string
}

// Result describes a completed create or update.
type Result struct {
	ID       string
	Record   registry.Record
	Replaced bool
	Backup   string
	Routed   bool
}

// State returns the lifecycle state of id.
func (c *Controller) State(id string) State {
	return c.states.get(id)
}

func (c *Controller) begin(ctx context.Context, op, id string) (context.Context, trace.Span, *slog.Logger) {
	opID := newOperationID()
	ctx, span := c.deps.Tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(
		attribute.String("plugin.id", id),
		attribute.String("operation.id", opID),
	))
	return ctx, span, slog.Default().With("operation", op, "operation_id", opID, "plugin", id)
}

func (c *Controller) end(span trace.Span, op string, err error) {
	c.deps.Metrics.RecordOperation(op, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Create validates and installs a new plugin.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (res *Result, err error) {
	id, err := plugin.ValidateDisplayName(req.DisplayName)
	if err != nil {
		return nil, err
	}
	if err := ingest.ValidateArchiveName(req.Archive.Name); err != nil {
		return nil, err
	}
	if req.Icon != nil {
		if err := ingest.ValidateIconName(req.Icon.Name); err != nil {
			return nil, err
		}
	}

	ctx, span, log := c.begin(ctx, "create", id)
	defer func() { c.end(span, "create", err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.deps.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	dir := c.deps.Ingestor.Dir(id)
	prev, registered := records[id]
	replacing := registered || exists(dir)
	if replacing && c.onConflict == config.OnConflictReject && !req.Replace {
		return nil, Exists(id)
	}

	res = &Result{ID: id, Replaced: replacing}
	if replacing {
		log.Info("replacing existing plugin")
		backup, err := c.retire(ctx, log, id, dir, records, prev)
		if err != nil {
			return nil, err
		}
		res.Backup = backup
	}

	c.states.set(id, StateStaging)
	if _, err := c.deps.Ingestor.Create(ctx, id, req.Archive); err != nil {
		c.settle(id, dir)
		c.rebuild(ctx)
		return nil, err
	}
	if _, err := c.deps.Installer.Install(ctx, dir); err != nil {
		c.settle(id, dir)
		c.rebuild(ctx)
		return nil, err
	}

	rec := registry.Record{DisplayName: strings.TrimSpace(req.DisplayName), IconPath: c.defaultIcon}
	if replacing && req.Icon == nil && prev.IconPath != "" {
		rec.IconPath = prev.IconPath
	}
	if req.Icon != nil {
		rec.IconPath = c.saveIcon(log, id, *req.Icon, c.defaultIcon)
	}
	records[id] = rec
	if err := c.deps.Store.Save(ctx, records); err != nil {
		if !replacing {
			c.discard(log, id, dir)
		}
		c.settle(id, dir)
		return nil, err
	}

	c.states.set(id, StateActive)
	res.Record = rec
	res.Routed = c.rebuildAndTrack(ctx)[id]
	log.Info("plugin created", "routed", res.Routed)
	return res, nil
}

// Update replaces content and metadata of an existing plugin.
func (c *Controller) Update(ctx context.Context, id string, req UpdateRequest) (res *Result, err error) {
	if req.Archive != nil {
		if err := ingest.ValidateArchiveName(req.Archive.Name); err != nil {
			return nil, err
		}
	}
	if req.Icon != nil {
		if err := ingest.ValidateIconName(req.Icon.Name); err != nil {
			return nil, err
		}
	}

	ctx, span, log := c.begin(ctx, "update", id)
	defer func() { c.end(span, "update", err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.deps.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	rec, ok := records[id]
	if !ok {
		return nil, NotFound(id)
	}
	dir := c.deps.Ingestor.Dir(id)

	res = &Result{ID: id}
	backup, err := c.retire(ctx, log, id, dir, records, rec)
	if err != nil {
		return nil, err
	}
	res.Backup = backup
	rec = records[id]

	if req.Archive != nil {
		c.states.set(id, StateStaging)
		if _, err := c.deps.Ingestor.Replace(ctx, id, *req.Archive); err != nil {
			c.settle(id, dir)
			c.rebuild(ctx)
			return nil, err
		}
		if _, err := c.deps.Installer.Install(ctx, dir); err != nil {
			c.settle(id, dir)
			c.rebuild(ctx)
			return nil, err
		}
	}

	if name := strings.TrimSpace(req.DisplayName); name != "" {
		rec.DisplayName = name
	}
	if req.Icon != nil {
		rec.IconPath = c.saveIcon(log, id, *req.Icon, rec.IconPath)
	}
	if rec.DisplayName == "" {
		rec.DisplayName = id
	}
	if rec.IconPath == "" {
		rec.IconPath = c.defaultIcon
	}
	records[id] = rec
	if err := c.deps.Store.Save(ctx, records); err != nil {
		c.settle(id, dir)
		c.rebuild(ctx)
		return nil, err
	}

	c.states.set(id, StateActive)
	res.Record = rec
	res.Routed = c.rebuildAndTrack(ctx)[id]
	log.Info("plugin updated", "routed", res.Routed)
	return res, nil
}

// Delete stops, backs up and removes a plugin.
func (c *Controller) Delete(ctx context.Context, id string) (res *DeleteResult, err error) {
	ctx, span, log := c.begin(ctx, "delete", id)
	defer func() { c.end(span, "delete", err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.deps.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	dir := c.deps.Ingestor.Dir(id)
	rec, registered := records[id]
	if !registered && !exists(dir) {
		return nil, NotFound(id)
	}

	res = &DeleteResult{ID: id}
	backup, err := c.retire(ctx, log, id, dir, records, rec)
	if err != nil {
		return nil, err
	}
	res.Backup = backup

	if err := c.remove(dir); err != nil {
		log.Warn("removal failed, forcing", "dir", dir, "error", err)
		if ferr := c.forceRemove(dir); ferr != nil {
			c.settle(id, dir)
			c.rebuild(ctx)
			return nil, FileLocked(id, dir, errors.Join(err, ferr))
		}
		res.Forced = true
	}

	if err := c.deps.Icons.Remove(id); err != nil {
		errutil.LogWarn(log, "icon removal failed", err)
	}
	delete(records, id)
	if err := c.deps.Store.Save(ctx, records); err != nil {
		c.states.set(id, StateAbsent)
		c.rebuild(ctx)
		return nil, err
	}

	c.states.set(id, StateAbsent)
	c.rebuild(ctx)
	log.Info("plugin deleted", "forced", res.Forced, "backup", res.Backup)
	return res, nil
}

// stopTracked terminates pid only while it still runs inside dir; a recorded
// pid may have been reused by an unrelated process since it was tracked.
func (c *Controller) stopTracked(ctx context.Context, log *slog.Logger, id, dir string, pid int) {
	owned, err := c.deps.Terminator.OwnedBy(ctx, pid, dir)
	switch {
	case err != nil:
		errutil.LogWarn(log, "could not inspect tracked process", err)
	case owned:
		log.Info("terminating tracked plugin process", "plugin", id, "pid", pid)
		if err := c.deps.Terminator.Terminate(ctx, pid); err != nil {
			errutil.LogWarn(log, "tracked process not terminated", err)
		}
	default:
		log.Debug("recorded pid no longer belongs to plugin", "plugin", id, "pid", pid)
	}
}

// retire stops the plugin and snapshots its directory: a tracked process is
// terminated and its pid dropped from the registry at once, the instance is
// unloaded, and the directory is backed up after nothing runs in it.
func (c *Controller) retire(ctx context.Context, log *slog.Logger, id, dir string, records registry.Records, rec registry.Record) (string, error) {
	if rec.ProcessID != 0 {
		c.stopTracked(ctx, log, id, dir, rec.ProcessID)
		rec.ProcessID = 0
		records[id] = rec
		if err := c.deps.Store.Save(ctx, records); err != nil {
			return "", err
		}
	}

	if err := c.deps.Unloader.Unload(ctx, id); err != nil {
		errutil.LogWarn(log, "unload failed", err)
	}
	if err := c.deps.Terminator.AwaitRelease(ctx, dir); err != nil {
		errutil.LogWarn(log, "plugin directory still in use", err)
	}

	c.states.set(id, StateBackedUp)
	backup, err := c.deps.Backups.Snapshot(id, dir)
	if err != nil {
		c.settle(id, dir)
		c.rebuild(ctx)
		return "", BackupFailed(id, err)
	}
	return backup, nil
}

// settle derives the state after a failed step from what is on disk.
func (c *Controller) settle(id, dir string) {
	if exists(dir) {
		c.states.set(id, StateActive)
		return
	}
	c.states.set(id, StateAbsent)
}

func (c *Controller) discard(log *slog.Logger, id, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn("cleanup of plugin directory failed", "dir", dir, "error", err)
	}
	if err := c.deps.Icons.Remove(id); err != nil {
		errutil.LogWarn(log, "cleanup of icon failed", err)
	}
}

// saveIcon stores icon and returns its URL, or fallback when saving fails.
func (c *Controller) saveIcon(log *slog.Logger, id string, icon ingest.File, fallback string) string {
	url, err := c.deps.Icons.Save(id, icon)
	if err != nil {
		errutil.LogWarn(log, "icon not saved, using previous icon", err)
		if fallback == "" {
			return c.defaultIcon
		}
		return fallback
	}
	return url
}

func (c *Controller) rebuild(ctx context.Context) *dispatch.Table {
	table, err := c.deps.Rebuilder.Rebuild(ctx)
	if err != nil {
		errutil.LogErrorContext(ctx, slog.Default(), slog.LevelError, "routing table rebuild failed", err)
		return nil
	}
	return table
}

// rebuildAndTrack rebuilds the routing table and records the pid of every
// process-backed plugin in the registry. It returns the routed ids.
func (c *Controller) rebuildAndTrack(ctx context.Context) map[string]bool {
	table := c.rebuild(ctx)
	if table == nil {
		return nil
	}
	routed := make(map[string]bool, table.Len())
	for _, id := range table.IDs() {
		routed[id] = true
	}
	if err := c.trackPIDs(ctx, table); err != nil {
		errutil.LogErrorContext(ctx, slog.Default(), slog.LevelWarn, "recording plugin pids failed", err)
	}
	return routed
}

func (c *Controller) trackPIDs(ctx context.Context, table *dispatch.Table) error {
	records, err := c.deps.Store.Load(ctx)
	if err != nil {
		return err
	}
	changed := false
	for id, rec := range records {
		pid := 0
		if inst, ok := table.Instance(id); ok {
			pid = inst.PID
		}
		if rec.ProcessID != pid {
			rec.ProcessID = pid
			records[id] = rec
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return c.deps.Store.Save(ctx, records)
}

// Reconcile runs once at startup: processes recorded by a previous run are
// terminated when they still run inside their plugin directory, their pids
// are cleared, and the first routing table is built.
func (c *Controller) Reconcile(ctx context.Context) (*dispatch.Table, error) {
	ctx, span, log := c.begin(ctx, "reconcile", "")
	var err error
	defer func() { c.end(span, "reconcile", err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.deps.Store.Load(ctx)
	if err != nil {
		return nil, err
	}

	changed := false
	for _, id := range records.IDs() {
		rec := records[id]
		dir := c.deps.Ingestor.Dir(id)
		if exists(dir) {
			c.states.set(id, StateActive)
		}
		if rec.ProcessID == 0 {
			continue
		}
		c.stopTracked(ctx, log, id, dir, rec.ProcessID)
		rec.ProcessID = 0
		records[id] = rec
		changed = true
	}
	if changed {
		if err = c.deps.Store.Save(ctx, records); err != nil {
			return nil, err
		}
	}

	table, err := c.deps.Rebuilder.Rebuild(ctx)
	if err != nil {
		return nil, oops.In("lifecycle").Wrapf(err, "initial routing table")
	}
	if terr := c.trackPIDs(ctx, table); terr != nil {
		errutil.LogWarn(log, "recording plugin pids failed", terr)
	}
	return table, nil
}
