// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// handler serves requests by calling handle(req) in a fresh state.
type handler struct {
	id      string
	proto   *lua.FunctionProto
	factory *StateFactory
	timeout time.Duration
	maxBody int64
}

// response is what handle returned.
type response struct {
	status  int
	headers map[string]string
	body    string
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	resp, err := h.call(ctx, r, string(body))
	if err != nil {
		slog.WarnContext(r.Context(), "lua plugin request failed",
			"plugin", h.id,
			"path", r.URL.Path,
			"error", err)
		http.Error(w, "plugin error", http.StatusInternalServerError)
		return
	}

	for k, v := range resp.headers {
		w.Header().Set(k, v)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	w.WriteHeader(resp.status)
	_, _ = io.WriteString(w, resp.body) //nolint:errcheck // client went away
}

func (h *handler) call(ctx context.Context, r *http.Request, body string) (*response, error) {
	L, err := h.factory.NewState(ctx)
	if err != nil {
		return nil, err
	}
	defer L.Close()

	if err := run(L, h.proto); err != nil {
		return nil, err
	}
	fn := L.GetGlobal(HandlerFunc)
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, requestTable(L, r, body)); err != nil {
		return nil, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return parseResponse(ret), nil
}

// requestTable builds req = {method, path, query, headers, body, prefix}.
func requestTable(L *lua.LState, r *http.Request, body string) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "method", lua.LString(r.Method))
	L.SetField(t, "path", lua.LString(r.URL.Path))
	L.SetField(t, "raw_query", lua.LString(r.URL.RawQuery))
	L.SetField(t, "body", lua.LString(body))
	L.SetField(t, "prefix", lua.LString(r.Header.Get("X-Forwarded-Prefix")))

	query := L.NewTable()
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			L.SetField(query, k, lua.LString(vs[0]))
		}
	}
	L.SetField(t, "query", query)

	headers := L.NewTable()
	for k, vs := range r.Header {
		L.SetField(headers, strings.ToLower(k), lua.LString(strings.Join(vs, ", ")))
	}
	L.SetField(t, "headers", headers)
	return t
}

// parseResponse accepts a string (200 with that body) or a table
// {status=, headers=, body=}. Anything else is an empty 204.
func parseResponse(v lua.LValue) *response {
	resp := &response{status: http.StatusOK, headers: map[string]string{}}
	switch val := v.(type) {
	case lua.LString:
		resp.body = string(val)
	case *lua.LTable:
		if n, ok := val.RawGetString("status").(lua.LNumber); ok && n >= 100 && n <= 999 {
			resp.status = int(n)
		}
		if s, ok := val.RawGetString("body").(lua.LString); ok {
			resp.body = string(s)
		}
		if hdrs, ok := val.RawGetString("headers").(*lua.LTable); ok {
			hdrs.ForEach(func(k, v lua.LValue) {
				if k.Type() == lua.LTString {
					resp.headers[k.String()] = v.String()
				}
			})
		}
	default:
		resp.status = http.StatusNoContent
	}
	return resp
}
