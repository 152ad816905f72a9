// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package dispatch

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/holomush/botmanager/internal/observability"
)

// PrefixHeader carries the stripped mount prefix to the plugin.
const PrefixHeader = "X-Forwarded-Prefix"

// Router sends /<id> and /<id>/... to the plugin mounted at id and everything
// else to the root handler. Reads are lock-free; Swap replaces the table.
type Router struct {
	root    http.Handler
	table   atomic.Pointer[Table]
	metrics *observability.Metrics
}

// NewRouter returns a router with no table installed. Until the first Swap
// every request goes to root.
func NewRouter(root http.Handler, metrics *observability.Metrics) *Router {
	if root == nil {
		root = http.NotFoundHandler()
	}
	return &Router{root: root, metrics: metrics}
}

// Swap installs t and returns the previous table.
func (r *Router) Swap(t *Table) *Table {
	return r.table.Swap(t)
}

// Table returns the current table; nil before the first Swap.
func (r *Router) Table() *Table {
	return r.table.Load()
}

// Ready reports whether a table has been installed.
func (r *Router) Ready() bool {
	return r.table.Load() != nil
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	id, rest := splitFirst(req.URL.Path)
	if id != "" {
		if h, ok := r.table.Load().Handler(id); ok {
			r.metrics.RecordDispatch(id)
			h.ServeHTTP(w, stripPrefix(req, id, rest))
			return
		}
	}
	r.metrics.RecordDispatch(observability.RouteRoot)
	r.root.ServeHTTP(w, req)
}

// splitFirst splits "/a/b/c" into "a" and "/b/c". The remainder is "/" when
// the path has a single segment.
func splitFirst(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/")
	seg, rest, found := strings.Cut(trimmed, "/")
	if !found {
		return seg, "/"
	}
	return seg, "/" + rest
}

func stripPrefix(req *http.Request, id, rest string) *http.Request {
	prefix := "/" + id
	out := req.Clone(req.Context())
	out.URL.Path = rest
	if req.URL.RawPath != "" {
		_, rawRest := splitFirst(req.URL.RawPath)
		out.URL.RawPath = rawRest
	}
	out.RequestURI = out.URL.RequestURI()
	out.Header.Set(PrefixHeader, prefix)
	// Manager credentials never reach plugin code.
	out.Header.Del("Authorization")
	return out
}
