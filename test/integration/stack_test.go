// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/botmanager/internal/dispatch"
	"github.com/holomush/botmanager/internal/lifecycle"
	"github.com/holomush/botmanager/internal/observability"
	"github.com/holomush/botmanager/internal/plugin"
	"github.com/holomush/botmanager/internal/plugin/ingest"
	"github.com/holomush/botmanager/internal/plugin/installer"
	"github.com/holomush/botmanager/internal/plugin/lua"
	"github.com/holomush/botmanager/internal/registry"
	"github.com/holomush/botmanager/internal/web"

	. "github.com/onsi/gomega" //nolint:revive // gomega convention
)

// hostVersion is the botmanager version the stack reports to manifests.
const hostVersion = "1.0.0"

// stack is a bot manager assembled from its packages and served by httptest.
type stack struct {
	dataDir    string
	store      registry.Store
	manager    *plugin.Manager
	router     *dispatch.Router
	controller *lifecycle.Controller
	server     *httptest.Server
}

func newStack(dataDir string, store registry.Store) *stack {
	pluginsDir := filepath.Join(dataDir, "plugins")
	if store == nil {
		store = registry.NewFileStore(filepath.Join(dataDir, "registry.json"))
	}

	resolver := plugin.NewResolver([]plugin.Runtime{{Kind: plugin.KindLua, EntryPoint: "main.lua", SourceExt: ".lua"}})
	manager := plugin.NewManager(pluginsDir, resolver, plugin.WithHost(lua.NewHost(0)), plugin.WithHostVersion(hostVersion))
	ing, err := ingest.New(ingest.Options{
		StagingDir: filepath.Join(dataDir, "staging"),
		PluginsDir: pluginsDir,
		Exclude:    []string{"__MACOSX", ".DS_Store"},
	}, resolver)
	Expect(err).NotTo(HaveOccurred())

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	front := http.NewServeMux()
	router := dispatch.NewRouter(front, metrics)
	builder := dispatch.NewBuilder(manager, store, router, dispatch.WithMetrics(metrics))
	controller := lifecycle.New(lifecycle.Deps{
		Store:      store,
		Ingestor:   ing,
		Installer:  installer.New(installer.Options{Manifest: "requirements.txt", Shell: "/bin/sh"}),
		Unloader:   manager,
		Rebuilder:  builder,
		Routes:     router,
		Terminator: lifecycle.NewProcessTerminator(0),
		Backups:    lifecycle.NewBackups(filepath.Join(dataDir, "backups")),
		Icons:      lifecycle.NewIcons(filepath.Join(dataDir, "static", "images"), "/static/images/"),
		Metrics:    metrics,
	}, lifecycle.Options{})
	front.Handle("/", web.New(controller, web.Options{StaticDir: filepath.Join(dataDir, "static")}).Routes())

	_, err = controller.Reconcile(context.Background())
	Expect(err).NotTo(HaveOccurred())

	return &stack{
		dataDir:    dataDir,
		store:      store,
		manager:    manager,
		router:     router,
		controller: controller,
		server:     httptest.NewServer(router),
	}
}

func (s *stack) Close() {
	s.server.Close()
	Expect(s.manager.Close(context.Background())).To(Succeed())
}

// client does not follow redirects so upload responses can be checked.
func (s *stack) client() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}

func (s *stack) get(path string) (int, string) {
	resp, err := s.client().Get(s.server.URL + path)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp.StatusCode, string(body)
}

func (s *stack) post(path string, fields map[string]string, archive []byte) (int, string) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		Expect(mw.WriteField(k, v)).To(Succeed())
	}
	if archive != nil {
		fw, err := mw.CreateFormFile("zip_file", "bot.zip")
		Expect(err).NotTo(HaveOccurred())
		_, err = fw.Write(archive)
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(mw.Close()).To(Succeed())

	resp, err := s.client().Post(s.server.URL+path, mw.FormDataContentType(), &buf)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp.StatusCode, string(body)
}

// luaZip builds an archive whose handler answers with reply.
func luaZip(dir, reply string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(dir + "/main.lua")
	Expect(err).NotTo(HaveOccurred())
	_, err = io.WriteString(w, `function handle(req) return "`+reply+` " .. req.path end`)
	Expect(err).NotTo(HaveOccurred())
	junk, err := zw.Create("__MACOSX/" + dir + "/._main.lua")
	Expect(err).NotTo(HaveOccurred())
	_, err = junk.Write([]byte{0})
	Expect(err).NotTo(HaveOccurred())
	Expect(zw.Close()).To(Succeed())
	return buf.Bytes()
}

// manifestZip builds a Lua archive with a plugin.yaml carrying requires.
func manifestZip(requires string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"main.lua":    `function handle(req) return "ok" end`,
		"plugin.yaml": "name: pinned\nversion: 0.1.0\nruntime: lua\nrequires: \"" + requires + "\"\n",
	} {
		w, err := zw.Create(name)
		Expect(err).NotTo(HaveOccurred())
		_, err = io.WriteString(w, content)
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(zw.Close()).To(Succeed())
	return buf.Bytes()
}

func emptyZip() []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("README.txt")
	Expect(err).NotTo(HaveOccurred())
	_, err = io.WriteString(w, "nothing to run")
	Expect(err).NotTo(HaveOccurred())
	Expect(zw.Close()).To(Succeed())
	return buf.Bytes()
}
