package control

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokentap/tokentap/internal/metrics"
	"github.com/tokentap/tokentap/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeProxy struct{ called bool }

func (f *fakeProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.called = true
	w.WriteHeader(http.StatusTeapot)
}

type fakeReloader struct{ reloaded bool }

func (f *fakeReloader) Reload() error { f.reloaded = true; return nil }

type fakeDrainer struct{ drained bool }

func (f *fakeDrainer) Drain(deadline time.Duration) { f.drained = true }

func testGate(t *testing.T, token string) *security.Gate {
	t.Helper()
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "admin.token")
	require.NoError(t, security.WriteAdminToken(tokenPath, token))
	g, err := security.New(security.Config{
		NetworkModePath: filepath.Join(dir, "network_mode"),
		DebugModePath:   filepath.Join(dir, "debug_mode"),
		AdminTokenPath:  tokenPath,
	})
	require.NoError(t, err)
	return g
}

func TestServer_HealthEndpointBypassesProxy(t *testing.T) {
	proxy := &fakeProxy{}
	s := New(Config{Logger: testLogger(), Proxy: proxy, Gate: testGate(t, "secret")})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.False(t, proxy.called)
}

func TestServer_NonControlPathForwardsToProxy(t *testing.T) {
	proxy := &fakeProxy{}
	s := New(Config{Logger: testLogger(), Proxy: proxy, Gate: testGate(t, "secret")})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Host = "api.anthropic.com"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.True(t, proxy.called)
}

func TestServer_DeleteAllEventsRequiresAdminToken(t *testing.T) {
	s := New(Config{Logger: testLogger(), Proxy: &fakeProxy{}, Gate: testGate(t, "secret")})

	req := httptest.NewRequest(http.MethodDelete, "/api/events/all", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req2 := httptest.NewRequest(http.MethodDelete, "/api/events/all", nil)
	req2.Header.Set(security.AdminTokenHeader, "secret")
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusNotImplemented, rec2.Code)
}

// TestServer_StatusEndpointReportsCounters exercises core spec §7: the four
// internal counters must be exposed via /status, not just logs.
func TestServer_StatusEndpointReportsCounters(t *testing.T) {
	m := metrics.Noop()
	m.SinkDropped("dynamodb")
	m.ExtractDegraded("anthropic")
	m.ExtractDegraded("anthropic")
	m.StreamSkipped("openai")

	s := New(Config{Logger: testLogger(), Proxy: &fakeProxy{}, Gate: testGate(t, "secret"), Metrics: m})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"sink_dropped":1`)
	assert.Contains(t, body, `"extract_degraded":2`)
	assert.Contains(t, body, `"stream_skipped":1`)
}

func TestServer_Reload_CallsRegistryReload(t *testing.T) {
	reloader := &fakeReloader{}
	s := New(Config{Logger: testLogger(), Proxy: &fakeProxy{}, Registry: reloader, Gate: testGate(t, "secret")})

	s.Reload()
	require.Eventually(t, func() bool { return reloader.reloaded }, time.Second, 5*time.Millisecond)
}

func TestServer_Shutdown_DrainsSink(t *testing.T) {
	drainer := &fakeDrainer{}
	s := New(Config{Logger: testLogger(), Proxy: &fakeProxy{}, Sink: drainer, Gate: testGate(t, "secret"), GraceDeadline: 50 * time.Millisecond})

	httpServer := &http.Server{Addr: "127.0.0.1:0", Handler: s}
	go func() { _ = httpServer.ListenAndServe() }()
	// Give the server a moment to start listening before shutting it down.
	time.Sleep(10 * time.Millisecond)

	s.Shutdown(context.Background(), httpServer)
	assert.True(t, drainer.drained)
}
