package security

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokentap/tokentap/internal/tokenerr"
)

func newGate(t *testing.T, networkMode, captureMode, token string) *Gate {
	t.Helper()
	dir := t.TempDir()
	networkPath := filepath.Join(dir, "network_mode")
	debugPath := filepath.Join(dir, "debug_mode")
	tokenPath := filepath.Join(dir, "admin.token")

	if networkMode != "" {
		require.NoError(t, WriteNetworkMode(networkPath, NetworkMode(networkMode)))
	}
	if captureMode != "" {
		require.NoError(t, WriteCaptureMode(debugPath, CaptureMode(captureMode)))
	}
	if token != "" {
		require.NoError(t, WriteAdminToken(tokenPath, token))
	}

	g, err := New(Config{NetworkModePath: networkPath, DebugModePath: debugPath, AdminTokenPath: tokenPath})
	require.NoError(t, err)
	return g
}

func TestGate_DefaultsToLocalAndOff(t *testing.T) {
	dir := t.TempDir()
	g, err := New(Config{
		NetworkModePath: filepath.Join(dir, "network_mode"),
		DebugModePath:   filepath.Join(dir, "debug_mode"),
		AdminTokenPath:  filepath.Join(dir, "admin.token"),
	})
	require.NoError(t, err)
	assert.Equal(t, NetworkLocal, g.NetworkMode())
	assert.Equal(t, "127.0.0.1", g.BindAddress())
	assert.Equal(t, CaptureOff, g.CaptureMode())
}

func TestGate_NetworkModePublicBindsAllInterfaces(t *testing.T) {
	g := newGate(t, "network", "", "")
	assert.Equal(t, "0.0.0.0", g.BindAddress())
}

func TestGate_VerifyAdminToken_MissingHeaderIsForbidden(t *testing.T) {
	g := newGate(t, "", "", "secret-token")
	req := httptest.NewRequest(http.MethodDelete, "/api/events/all", nil)
	err := g.VerifyAdminToken(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tokenerr.ErrSecurity))
}

func TestGate_VerifyAdminToken_MismatchIsForbidden(t *testing.T) {
	g := newGate(t, "", "", "secret-token")
	req := httptest.NewRequest(http.MethodDelete, "/api/events/all", nil)
	req.Header.Set(AdminTokenHeader, "wrong-token")
	err := g.VerifyAdminToken(req)
	require.Error(t, err)
}

func TestGate_VerifyAdminToken_MatchSucceeds(t *testing.T) {
	g := newGate(t, "", "", "secret-token")
	req := httptest.NewRequest(http.MethodDelete, "/api/events/all", nil)
	req.Header.Set(AdminTokenHeader, "secret-token")
	assert.NoError(t, g.VerifyAdminToken(req))
}

func TestGate_RequireAdminToken_WrapsHandler(t *testing.T) {
	g := newGate(t, "", "", "secret-token")
	called := false
	handler := g.RequireAdminToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/events/all", nil)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, called)

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodDelete, "/api/events/all", nil)
	req2.Header.Set(AdminTokenHeader, "secret-token")
	handler.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.True(t, called)
}

func TestNew_RefusesLoosePermissionsOnAdminTokenFile(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "admin.token")
	require.NoError(t, WriteAdminToken(tokenPath, "secret"))
	// Loosen permissions to simulate misconfiguration.
	require.NoError(t, chmodLoose(tokenPath))

	_, err := New(Config{
		NetworkModePath: filepath.Join(dir, "network_mode"),
		DebugModePath:   filepath.Join(dir, "debug_mode"),
		AdminTokenPath:  tokenPath,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tokenerr.ErrSecurity))
}

func TestGenerateAdminToken_ProducesDistinctTokens(t *testing.T) {
	a, err := GenerateAdminToken()
	require.NoError(t, err)
	b, err := GenerateAdminToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, AdminTokenLength*2) // hex-encoded
}
