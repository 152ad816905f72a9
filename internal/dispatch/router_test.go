// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package dispatch

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/botmanager/internal/plugin"
)

func recordingHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s %s %s %s?%s %s", name, r.Method, r.Header.Get(PrefixHeader), r.URL.Path, r.URL.RawQuery, body)
	})
}

func tableOf(ids ...string) *Table {
	instances := make(map[string]*plugin.Instance, len(ids))
	for _, id := range ids {
		instances[id] = &plugin.Instance{ID: id, Handler: recordingHandler(id)}
	}
	return NewTable(instances)
}

func serve(r http.Handler, method, target, body string) string {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec.Body.String()
}

func TestRouter_Routing(t *testing.T) {
	router := NewRouter(recordingHandler("root"), nil)
	router.Swap(tableOf("my_bot_", "other"))

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   string
	}{
		{"bare prefix", http.MethodGet, "/my_bot_", "", "my_bot_ GET /my_bot_ /? "},
		{"trailing slash", http.MethodGet, "/my_bot_/", "", "my_bot_ GET /my_bot_ /? "},
		{"nested path with query", http.MethodGet, "/my_bot_/api/run?x=1", "", "my_bot_ GET /my_bot_ /api/run?x=1 "},
		{"method and body forwarded", http.MethodPost, "/other/submit", "payload", "other POST /other /submit? payload"},
		{"root", http.MethodGet, "/", "", "root GET  /? "},
		{"management route", http.MethodPost, "/upload", "", "root POST  /upload? "},
		{"unknown id", http.MethodGet, "/ghost/x", "", "root GET  /ghost/x? "},
		{"prefix is a whole segment", http.MethodGet, "/my_bot_extra", "", "root GET  /my_bot_extra? "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serve(router, tt.method, tt.target, tt.body))
		})
	}
}

func TestRouter_DropsAuthorizationForPlugins(t *testing.T) {
	var pluginSaw, rootSaw string
	root := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		rootSaw = r.Header.Get("Authorization")
	})
	router := NewRouter(root, nil)
	router.Swap(NewTable(map[string]*plugin.Instance{
		"bot": {ID: "bot", Handler: http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			pluginSaw = r.Header.Get("Authorization")
		})},
	}))

	req := httptest.NewRequest(http.MethodGet, "/bot/", nil)
	req.SetBasicAuth("admin", "s3cret")
	router.ServeHTTP(httptest.NewRecorder(), req)
	assert.Empty(t, pluginSaw)
	assert.NotEmpty(t, req.Header.Get("Authorization"), "caller's request must not be mutated")

	req = httptest.NewRequest(http.MethodGet, "/upload", nil)
	req.SetBasicAuth("admin", "s3cret")
	router.ServeHTTP(httptest.NewRecorder(), req)
	assert.NotEmpty(t, rootSaw)
}

func TestRouter_NoTableFallsThrough(t *testing.T) {
	router := NewRouter(recordingHandler("root"), nil)
	assert.False(t, router.Ready())
	assert.Equal(t, "root GET  /bot? ", serve(router, http.MethodGet, "/bot", ""))
}

func TestRouter_NilRootIsNotFound(t *testing.T) {
	router := NewRouter(nil, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_SwapReplacesWholesale(t *testing.T) {
	router := NewRouter(recordingHandler("root"), nil)
	assert.Nil(t, router.Swap(tableOf("a")))
	require.True(t, router.Ready())

	prev := router.Swap(tableOf("b"))
	assert.Equal(t, []string{"a"}, prev.IDs())
	assert.Equal(t, []string{"b"}, router.Table().IDs())
	assert.True(t, strings.HasPrefix(serve(router, http.MethodGet, "/a", ""), "root"))
	assert.True(t, strings.HasPrefix(serve(router, http.MethodGet, "/b", ""), "b"))
}

func TestRouter_ConcurrentSwapAndServe(t *testing.T) {
	router := NewRouter(recordingHandler("root"), nil)
	router.Swap(tableOf("a"))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if i%2 == 0 {
					router.Swap(tableOf("a"))
					continue
				}
				got := serve(router, http.MethodGet, "/a/x", "")
				if !strings.HasPrefix(got, "a ") {
					t.Errorf("request routed to %q", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestTable_SkipsNilInstances(t *testing.T) {
	table := NewTable(map[string]*plugin.Instance{
		"ok":      {ID: "ok", Handler: http.NotFoundHandler()},
		"nil":     nil,
		"nohandl": {ID: "nohandl"},
	})
	assert.Equal(t, []string{"ok"}, table.IDs())
	assert.Equal(t, 1, table.Len())

	var empty *Table
	assert.Zero(t, empty.Len())
	_, ok := empty.Handler("ok")
	assert.False(t, ok)
}

func TestSplitFirst(t *testing.T) {
	tests := []struct {
		path, seg, rest string
	}{
		{"/", "", "/"},
		{"", "", "/"},
		{"/a", "a", "/"},
		{"/a/", "a", "/"},
		{"/a/b/c", "a", "/b/c"},
	}
	for _, tt := range tests {
		seg, rest := splitFirst(tt.path)
		assert.Equal(t, tt.seg, seg, tt.path)
		assert.Equal(t, tt.rest, rest, tt.path)
	}
}
