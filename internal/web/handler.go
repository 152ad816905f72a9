// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package web serves the management routes: upload, edit, delete, the plugin
// listing and static assets.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/botmanager/internal/lifecycle"
	"github.com/holomush/botmanager/internal/plugin"
	"github.com/holomush/botmanager/internal/plugin/ingest"
	"github.com/holomush/botmanager/pkg/errutil"
)

// DefaultMaxUploadBytes bounds a request body when Options leaves it unset.
const DefaultMaxUploadBytes = 16 << 20

// formMemory is how much of a multipart form is held in memory before
// parts spill to temporary files.
const formMemory = 8 << 20

// Manager is the lifecycle surface the handlers drive.
type Manager interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*lifecycle.Result, error)
	Update(ctx context.Context, id string, req lifecycle.UpdateRequest) (*lifecycle.Result, error)
	Delete(ctx context.Context, id string) (*lifecycle.DeleteResult, error)
	List(ctx context.Context) ([]lifecycle.Summary, error)
}

// Options configures a Handler.
type Options struct {
	// StaticDir is served under /static/. Empty disables static files.
	StaticDir      string
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Handler holds the management routes.
type Handler struct {
	manager  Manager
	static   string
	maxBytes int64
	log      *slog.Logger
}

// New returns a Handler backed by manager.
func New(manager Manager, opts Options) *Handler {
	if manager == nil {
		panic("web: manager is required")
	}
	h := &Handler{
		manager:  manager,
		static:   opts.StaticDir,
		maxBytes: opts.MaxUploadBytes,
		log:      opts.Logger,
	}
	if h.maxBytes <= 0 {
		h.maxBytes = DefaultMaxUploadBytes
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	return h
}

// Routes returns the management mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleList)
	mux.HandleFunc("GET /api/plugins", h.handleList)
	mux.HandleFunc("POST /upload", h.handleUpload)
	mux.HandleFunc("POST /edit/{id}", h.handleEdit)
	mux.HandleFunc("GET /delete/{id}", h.handleDelete)
	mux.HandleFunc("POST /delete/{id}", h.handleDelete)
	mux.HandleFunc("DELETE /delete/{id}", h.handleDelete)
	if h.static != "" {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(h.static))))
	}
	return mux
}

// reply is the JSON body of edit and delete responses.
type reply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	plugins, err := h.manager.List(r.Context())
	if err != nil {
		status, msg := h.describe(r, "list failed", err)
		writeJSON(w, status, reply{Status: "error", Message: msg})
		return
	}
	writeJSON(w, http.StatusOK, plugins)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	form, err := h.parseForm(w, r)
	if err != nil {
		h.textError(w, r, err)
		return
	}
	defer form.close()

	name := strings.TrimSpace(r.FormValue("button_name"))
	if form.archive == nil || name == "" {
		h.textError(w, r, plugin.InvalidInput("zip_file", "zip file and button name are required"))
		return
	}
	replace, err := parseBool(r.FormValue("replace"))
	if err != nil {
		h.textError(w, r, err)
		return
	}

	if _, err := h.manager.Create(r.Context(), lifecycle.CreateRequest{
		DisplayName: name,
		Archive:     *form.archive,
		Icon:        form.icon,
		Replace:     replace,
	}); err != nil {
		h.textError(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) handleEdit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	form, err := h.parseForm(w, r)
	if err != nil {
		h.jsonError(w, r, err)
		return
	}
	defer form.close()

	if _, err := h.manager.Update(r.Context(), id, lifecycle.UpdateRequest{
		DisplayName: strings.TrimSpace(r.FormValue("button_name")),
		Archive:     form.archive,
		Icon:        form.icon,
	}); err != nil {
		h.jsonError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply{Status: "success", Message: "App updated successfully"})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := h.manager.Delete(r.Context(), id)
	if err != nil {
		h.jsonError(w, r, err)
		return
	}
	msg := "Deleted '" + id + "'"
	if res != nil && res.Forced {
		msg += " (forceful deletion was required)"
	}
	writeJSON(w, http.StatusOK, reply{Status: "success", Message: msg})
}

// uploadForm holds the files of a parsed multipart form.
type uploadForm struct {
	archive *ingest.File
	icon    *ingest.File
	closers []io.Closer
	form    *multipart.Form
}

func (f *uploadForm) close() {
	for _, c := range f.closers {
		_ = c.Close()
	}
	if f.form != nil {
		_ = f.form.RemoveAll()
	}
}

// parseForm reads the body as multipart, or as a plain form when the
// client sent no files.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) (*uploadForm, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	form := &uploadForm{}

	err := r.ParseMultipartForm(formMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, tooLarge(maxErr.Limit)
		}
		return nil, plugin.InvalidInput("form", "malformed form: %v", err)
	}
	form.form = r.MultipartForm

	for field, dst := range map[string]**ingest.File{"zip_file": &form.archive, "image": &form.icon} {
		file, hdr, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			continue
		}
		if err != nil {
			form.close()
			return nil, plugin.InvalidInput(field, "unreadable file: %v", err)
		}
		form.closers = append(form.closers, file)
		*dst = &ingest.File{Name: hdr.Filename, Body: file}
	}
	return form, nil
}

func parseBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, plugin.InvalidInput("replace", "replace must be a boolean, got %q", v)
	}
	return b, nil
}

// describe logs err and returns the status and client message for it.
func (h *Handler) describe(r *http.Request, msg string, err error) (int, string) {
	status := Status(err)
	log := h.log.With("method", r.Method, "path", r.URL.Path, "status", status)
	if exposed(err, status) {
		errutil.LogErrorContext(r.Context(), log, slog.LevelWarn, msg, err)
		return status, err.Error()
	}
	ref := ulid.Make().String()
	errutil.LogErrorContext(r.Context(), log.With("ref", ref), slog.LevelError, msg, err)
	return status, "internal error (ref: " + ref + ")"
}

func (h *Handler) textError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := h.describe(r, "upload failed", err)
	http.Error(w, "Error: "+msg, status)
}

func (h *Handler) jsonError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := h.describe(r, "request failed", err)
	writeJSON(w, status, reply{Status: "error", Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect
	json.NewEncoder(w).Encode(v)
}
