// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/botmanager/internal/auth"
	"github.com/holomush/botmanager/internal/config"
	"github.com/holomush/botmanager/internal/observability"
	"github.com/holomush/botmanager/internal/registry"
	"github.com/holomush/botmanager/pkg/errutil"
)

type fakeServer struct {
	mu      sync.Mutex
	handler http.Handler
	started chan struct{}
	errCh   chan error
	stopped bool

	startErr error
	metrics  *observability.Metrics
	ready    observability.ReadinessChecker
}

func newFakeServer() *fakeServer {
	return &fakeServer{started: make(chan struct{}), errCh: make(chan error, 1)}
}

func (s *fakeServer) Start() (<-chan error, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	close(s.started)
	return s.errCh, nil
}

func (s *fakeServer) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.errCh)
	}
	return nil
}

func (s *fakeServer) Addr() string { return "127.0.0.1:0" }

func (s *fakeServer) Metrics() *observability.Metrics { return s.metrics }

func (s *fakeServer) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeMigrator struct {
	upErr  error
	up     bool
	closed bool
}

func (m *fakeMigrator) Up() error    { m.up = true; return m.upErr }
func (m *fakeMigrator) Close() error { m.closed = true; return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Paths = config.PathsConfig{
		DataDir:      dir,
		PluginsDir:   filepath.Join(dir, "plugins"),
		BackupDir:    filepath.Join(dir, "backups"),
		StagingDir:   filepath.Join(dir, "staging"),
		StaticDir:    filepath.Join(dir, "static"),
		RegistryFile: filepath.Join(dir, "registry.json"),
	}
	return &cfg
}

// startServe runs serve in the background and returns the front handler.
func startServe(t *testing.T, cfg *config.Config, deps *ServeDeps) (http.Handler, *fakeServer, func() error) {
	t.Helper()
	web := newFakeServer()
	deps.WebServerFactory = func(_ string, h http.Handler) WebServer {
		web.handler = h
		return web
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	cmd := &cobra.Command{}
	cmd.SetOut(io.Discard)
	go func() { done <- runServeWithDeps(ctx, cfg, &serveOptions{}, cmd, deps) }()

	select {
	case <-web.started:
	case err := <-done:
		cancel()
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("serve did not start")
	}

	var (
		once    sync.Once
		stopErr error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-done:
			case <-time.After(10 * time.Second):
				stopErr = errors.New("serve did not stop")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { _ = stop() })
	return web.handler, web, stop
}

func luaArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("hello/main.lua")
	require.NoError(t, err)
	_, err = io.WriteString(w, `function handle(req) return "hello " .. (req.query.name or "world") end`)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func uploadRequest(t *testing.T, name string, archive []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("button_name", name))
	fw, err := mw.CreateFormFile("zip_file", "bot.zip")
	require.NoError(t, err)
	_, err = fw.Write(archive)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func upload(t *testing.T, h http.Handler, name string, archive []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, name, archive))
	return rec
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServe_UploadRouteDelete(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Addr = ""
	h, web, stop := startServe(t, cfg, &ServeDeps{})

	rec := get(h, "/api/plugins")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = upload(t, h, "Hello", luaArchive(t))
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())

	rec = get(h, "/hello/?name=bots")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello bots", rec.Body.String())

	data, err := os.ReadFile(cfg.Paths.RegistryFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"button_name": "Hello"`)

	rec = get(h, "/delete/hello")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success","message":"Deleted 'hello'"}`, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, get(h, "/hello/").Code)

	backups, err := os.ReadDir(cfg.Paths.BackupDir)
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	require.NoError(t, stop())
	assert.True(t, web.isStopped())
}

func TestServe_ReadinessFollowsRoutingTable(t *testing.T) {
	cfg := testConfig(t)
	obs := newFakeServer()
	obs.metrics = observability.NewMetrics(prometheus.NewRegistry())
	deps := &ServeDeps{
		ObservabilityServerFactory: func(_ string, ready observability.ReadinessChecker) ObservabilityServer {
			obs.ready = ready
			return obs
		},
	}
	startServe(t, cfg, deps)

	require.NotNil(t, obs.ready)
	assert.True(t, obs.ready())
}

func TestServe_CorruptRegistryKeepsUIUp(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Addr = ""
	require.NoError(t, os.WriteFile(cfg.Paths.RegistryFile, []byte("{not json"), 0o600))

	h, _, _ := startServe(t, cfg, &ServeDeps{})

	assert.Equal(t, http.StatusNotFound, get(h, "/anything/").Code)
	assert.Equal(t, http.StatusInternalServerError, get(h, "/api/plugins").Code)
}

func TestServe_BasicAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Addr = ""
	cfg.Auth.PasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$c2FsdHNhbHRzYWx0c2FsdA$MTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTI"

	h, _, _ := startServe(t, cfg, &ServeDeps{})

	rec := get(h, "/api/plugins")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestServe_BasicAuthLeavesPluginRoutesPublic(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Addr = ""
	hash, err := auth.NewHasher().Hash("s3cret")
	require.NoError(t, err)
	cfg.Auth.PasswordHash = hash

	h, _, _ := startServe(t, cfg, &ServeDeps{})

	assert.Equal(t, http.StatusUnauthorized, upload(t, h, "Hello", luaArchive(t)).Code)

	req := uploadRequest(t, "Hello", luaArchive(t))
	req.SetBasicAuth("admin", "s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())

	rec = get(h, "/hello/?name=anyone")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello anyone", rec.Body.String())
}

func TestServe_InvalidPasswordHash(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Addr = ""
	cfg.Auth.PasswordHash = "plaintext"

	err := runServeWithDeps(context.Background(), cfg, &serveOptions{}, &cobra.Command{}, &ServeDeps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid hash format")
}

func TestServe_WebStartFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Addr = ""
	web := newFakeServer()
	web.startErr = errors.New("address in use")

	err := runServeWithDeps(context.Background(), cfg, &serveOptions{}, &cobra.Command{}, &ServeDeps{
		WebServerFactory: func(string, http.Handler) WebServer { return web },
	})
	errutil.AssertErrorCode(t, err, "HTTP_START_FAILED")
}

func TestServe_WebFailureShutsDown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Addr = ""
	_, web, _ := startServe(t, cfg, &ServeDeps{})
	web.errCh <- errors.New("listener died")

	require.Eventually(t, web.isStopped, 10*time.Second, 10*time.Millisecond)
}

func TestServe_PostgresAutoMigrate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Addr = ""
	cfg.Registry.Driver = config.RegistryPostgres
	cfg.Registry.DatabaseURL = "postgres://botmanager@localhost/botmanager"

	migrator := &fakeMigrator{}
	var gotURL string
	deps := &ServeDeps{
		MigratorFactory: func(url string) (AutoMigrator, error) {
			gotURL = url
			return migrator, nil
		},
		StoreOpener: func(context.Context, *config.Config) (registry.Store, func(), error) {
			return registry.NewFileStore(cfg.Paths.RegistryFile), func() {}, nil
		},
	}
	startServe(t, cfg, deps)

	assert.Equal(t, cfg.Registry.DatabaseURL, gotURL)
	assert.True(t, migrator.up)
	assert.True(t, migrator.closed)
}

func TestServe_AutoMigrateFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.Driver = config.RegistryPostgres
	cfg.Registry.DatabaseURL = "postgres://botmanager@localhost/botmanager"

	err := runServeWithDeps(context.Background(), cfg, &serveOptions{}, &cobra.Command{}, &ServeDeps{
		MigratorFactory: func(string) (AutoMigrator, error) {
			return &fakeMigrator{upErr: errors.New("dirty database")}, nil
		},
	})
	errutil.AssertErrorCode(t, err, "AUTO_MIGRATION_FAILED")
}

func TestServe_StoreOpenFailure(t *testing.T) {
	cfg := testConfig(t)
	err := runServeWithDeps(context.Background(), cfg, &serveOptions{}, &cobra.Command{}, &ServeDeps{
		StoreOpener: func(context.Context, *config.Config) (registry.Store, func(), error) {
			return nil, nil, errors.New("connection refused")
		},
	})
	errutil.AssertErrorCode(t, err, "REGISTRY_OPEN_FAILED")
}

func TestRuntimesFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Runtimes.Order = []string{"lua", "script"}

	runtimes := runtimesFromConfig(&cfg)
	require.Len(t, runtimes, 2)
	assert.Equal(t, "lua", string(runtimes[0].Kind))
	assert.Equal(t, "main.lua", runtimes[0].EntryPoint)
	assert.Equal(t, "script", string(runtimes[1].Kind))
	assert.Equal(t, "__init__.py", runtimes[1].PackageMarker)

	assert.Len(t, hostOptions(&cfg, runtimes), 2)
}
