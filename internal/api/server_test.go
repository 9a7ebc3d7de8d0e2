package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pluginhost/internal/manager"
	"pluginhost/pkg/testutil"
)

type fixture struct {
	h      *testutil.Harness
	server *Server
	http   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h := testutil.NewHarness(t)
	srv := NewServer(h.Manager, h.Metrics, zap.NewNop(), 0)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Close()
		ts.Close()
	})
	return &fixture{h: h, server: srv, http: ts}
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHandleSitemap(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "/api/plugins")
	assert.Contains(t, string(body), "/api/events")

	req, _ := http.NewRequest(http.MethodGet, f.http.URL+"/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	resp = f.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPluginLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)
	testutil.WriteDeclarative(t, f.h.PluginsDir, "alpha", map[string]string{"name": "alpha", "version": "1.0.0"})

	resp := f.do(t, http.MethodPost, "/api/plugins/discover", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	found := decode[[]map[string]any](t, resp)
	require.Len(t, found, 1)
	assert.Equal(t, "alpha", found[0]["id"])

	resp = f.do(t, http.MethodPost, "/api/plugins/alpha/load", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[manager.Info](t, resp)
	assert.True(t, info.Loaded)
	assert.True(t, info.Active)

	resp = f.do(t, http.MethodPost, "/api/plugins/alpha/load", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	errResp := decode[ErrorResponse](t, resp)
	assert.Equal(t, "alpha", errResp.Plugin)
	assert.Equal(t, "load", errResp.Phase)

	resp = f.do(t, http.MethodPost, "/api/plugins/alpha/disable", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info = decode[manager.Info](t, resp)
	assert.False(t, info.Active)
	assert.False(t, info.Enabled)

	resp = f.do(t, http.MethodGet, "/api/plugins", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]manager.Info](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "alpha", list[0].Descriptor.ID)

	resp = f.do(t, http.MethodPost, "/api/plugins/alpha/unload", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.h.Manager.IsLoaded("alpha"))

	resp = f.do(t, http.MethodPost, "/api/plugins/alpha/explode", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/plugins/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSearchStatsAndExport(t *testing.T) {
	f := newFixture(t)
	testutil.WriteDeclarative(t, f.h.PluginsDir, "alpha", map[string]string{"name": "alpha", "description": "Weather"})
	testutil.WriteDeclarative(t, f.h.PluginsDir, "beta", map[string]string{"name": "beta"})
	_, err := f.h.Manager.Discover(context.Background())
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/api/plugins/search?q=weather", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hits := decode[[]manager.Info](t, resp)
	require.Len(t, hits, 1)
	assert.Equal(t, "alpha", hits[0].Descriptor.ID)

	resp = f.do(t, http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[manager.Statistics](t, resp)
	assert.Equal(t, 2, stats.Available)
	assert.Equal(t, 2, stats.ByKind["declarative"])

	resp = f.do(t, http.MethodGet, "/api/export", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "plugins.json")
	doc := decode[manager.Export](t, resp)
	assert.Len(t, doc.Plugins, 2)
}

func TestInstallEndpoints(t *testing.T) {
	f := newFixture(t)

	t.Run("upload", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/api/plugins/install?filename=up.conf", "application/octet-stream",
			strings.NewReader("name=up\nversion=0.1.0\n"))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		desc := decode[map[string]any](t, resp)
		assert.Equal(t, "up", desc["id"])
		assert.FileExists(t, filepath.Join(f.h.PluginsDir, "up.conf"))
	})

	t.Run("host path", func(t *testing.T) {
		staged := testutil.WriteDeclarative(t, f.h.StagingDir, "local", map[string]string{"name": "local"})
		body, _ := json.Marshal(InstallRequest{Path: staged})
		resp := f.do(t, http.MethodPost, "/api/plugins/install", "application/json", strings.NewReader(string(body)))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		_, ok := f.h.Manager.Descriptor("local")
		assert.True(t, ok)
	})

	t.Run("missing body", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/api/plugins/install", "application/json", strings.NewReader("{}"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("hidden upload name", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/api/plugins/install?filename=.secret.conf", "", strings.NewReader("name=x\n"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid bundle", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/api/plugins/install?filename=bad.lua", "", strings.NewReader("function ("))
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		errResp := decode[ErrorResponse](t, resp)
		assert.Equal(t, "validate", errResp.Phase)
	})

	t.Run("uninstall", func(t *testing.T) {
		resp := f.do(t, http.MethodDelete, "/api/plugins/up", "", nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.NoFileExists(t, filepath.Join(f.h.PluginsDir, "up.conf"))

		resp = f.do(t, http.MethodDelete, "/api/plugins/up", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestSubsystemEndpoint(t *testing.T) {
	f := newFixture(t)
	testutil.WriteDeclarative(t, f.h.PluginsDir, "alpha", map[string]string{"name": "alpha"})
	_, err := f.h.Manager.Discover(context.Background())
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/api/subsystem", "", nil)
	assert.True(t, decode[SubsystemState](t, resp).Enabled)

	resp = f.do(t, http.MethodPut, "/api/subsystem", "application/json", strings.NewReader(`{"enabled": false}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[SubsystemState](t, resp).Enabled)

	resp = f.do(t, http.MethodPost, "/api/plugins/alpha/load", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/api/subsystem", "application/json", strings.NewReader(`not json`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/live", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	testutil.WriteDeclarative(t, f.h.PluginsDir, "alpha", map[string]string{"name": "alpha"})
	_, err := f.h.Manager.Discover(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.h.Manager.LoadPlugin(context.Background(), "alpha"))

	resp = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `pluginhost_plugins_loads_total{result="success"} 1`)
	assert.Contains(t, string(body), "pluginhost_plugins_loaded 1")

	require.NoError(t, os.RemoveAll(f.h.PluginsDir))
	resp = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() manager.Notification {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var n manager.Notification
		require.NoError(t, conn.ReadJSON(&n))
		return n
	}

	hello := read()
	assert.Equal(t, manager.NotificationType("connected"), hello.Type)
	assert.NotEmpty(t, hello.Message)
	assert.Equal(t, 1, f.server.Hub().Clients())

	testutil.WriteDeclarative(t, f.h.PluginsDir, "alpha", map[string]string{"name": "alpha"})
	resp := f.do(t, http.MethodPost, "/api/plugins/discover", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	n := read()
	assert.Equal(t, manager.NotifyDiscovered, n.Type)
	assert.Equal(t, "alpha", n.PluginID)

	require.NoError(t, f.h.Manager.LoadPlugin(context.Background(), "alpha"))
	assert.Equal(t, manager.NotifyLoaded, read().Type)
	assert.Equal(t, manager.NotifyEnabled, read().Type)
}

func TestHubDropsWhenClientBufferIsFull(t *testing.T) {
	hub := NewHub(zap.NewNop(), 2)
	c := &client{id: "slow", buffer: queue.NewRingBuffer(2)}
	hub.clients[c.id] = c

	for i := 0; i < 5; i++ {
		hub.Broadcast(manager.Notification{Type: manager.NotifyLoaded, PluginID: "p"})
	}
	assert.Equal(t, uint64(3), hub.Dropped())
	assert.Equal(t, uint64(2), c.buffer.Len())
}
