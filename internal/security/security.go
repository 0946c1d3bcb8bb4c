// Package security implements C7, the Security Gate: three narrow
// enforcement points (bind address, capture mode, admin-token
// verification) read from small state files at flow-hook entry. Token
// generation is grounded on the teacher's internal/apikeys/store.go
// GenerateKey (crypto/rand + hex), repurposed from a per-provider API key
// to a single dashboard admin token; the owner-only-permission refusal
// mirrors the same file's "refuse rather than proceed insecurely" posture.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"github.com/tokentap/tokentap/internal/tokenerr"
)

// NetworkMode is the bind-address enforcement value (core spec §4.7.1).
type NetworkMode string

const (
	NetworkLocal   NetworkMode = "local"
	NetworkPublic  NetworkMode = "network"
)

// CaptureMode is the payload-capture enforcement value (core spec §4.7.2).
type CaptureMode string

const (
	CaptureOn  CaptureMode = "on"
	CaptureOff CaptureMode = "off"
)

const (
	// AdminTokenLength is the number of random bytes in a generated admin
	// token, hex-encoded for storage (mirrors apikeys.KeyLength).
	AdminTokenLength = 32

	// AdminTokenHeader is the header destructive dashboard endpoints check.
	AdminTokenHeader = "X-Admin-Token"
)

// GenerateAdminToken produces a new hex-encoded random admin token.
func GenerateAdminToken() (string, error) {
	buf := make([]byte, AdminTokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("security: generate admin token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Gate holds the three state-file-backed values, refreshed via Refresh and
// read without locking via atomic loads — matching the "sampled, not
// locked" reading semantics core spec §4.7 describes.
type Gate struct {
	logger *slog.Logger

	networkModePath string
	debugModePath   string
	adminTokenPath  string

	networkMode atomic.Value // NetworkMode
	captureMode atomic.Value // CaptureMode
	adminToken  atomic.Value // string
}

// Config points Gate at its three state files.
type Config struct {
	NetworkModePath string
	DebugModePath   string
	AdminTokenPath  string
	Logger          *slog.Logger
}

// New loads the gate's initial state. The admin token file's permissions
// are checked here; looser-than-0600 permissions cause New to return
// ErrSecurity, per core spec §4.7.3 "refuse to start".
func New(cfg Config) (*Gate, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		logger:          logger,
		networkModePath: cfg.NetworkModePath,
		debugModePath:   cfg.DebugModePath,
		adminTokenPath:  cfg.AdminTokenPath,
	}
	if err := g.Refresh(); err != nil {
		return nil, err
	}
	return g, nil
}

// Refresh re-reads all three state files. Call once per flow at hook entry
// (core spec §4.7's "read once per flow, sampled not locked").
func (g *Gate) Refresh() error {
	mode, err := readNetworkMode(g.networkModePath)
	if err != nil {
		return err
	}
	if prev, _ := g.networkMode.Load().(NetworkMode); prev != mode {
		g.networkMode.Store(mode)
		if mode == NetworkPublic {
			g.logger.Warn("tokentap is bound to 0.0.0.0 — reachable from the network, not just localhost")
		}
	}

	capture, err := readCaptureMode(g.debugModePath)
	if err != nil {
		return err
	}
	if prev, _ := g.captureMode.Load().(CaptureMode); prev != capture {
		g.captureMode.Store(capture)
		if capture == CaptureOn {
			g.logger.Warn("debug_mode is on — raw request/response payloads are being captured")
		}
	}

	token, err := readAdminToken(g.adminTokenPath)
	if err != nil {
		return err
	}
	g.adminToken.Store(token)

	return nil
}

// NetworkMode returns the last-refreshed bind-address mode.
func (g *Gate) NetworkMode() NetworkMode {
	mode, _ := g.networkMode.Load().(NetworkMode)
	if mode == "" {
		return NetworkLocal
	}
	return mode
}

// BindAddress returns the host portion to bind listeners to, per
// NetworkMode (core spec §4.7.1).
func (g *Gate) BindAddress() string {
	if g.NetworkMode() == NetworkPublic {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// CaptureMode returns the last-refreshed capture mode.
func (g *Gate) CaptureMode() CaptureMode {
	mode, _ := g.captureMode.Load().(CaptureMode)
	if mode == "" {
		return CaptureOff
	}
	return mode
}

// VerifyAdminToken implements core spec §4.7.3: missing or mismatched
// header is a caller-visible 403.
func (g *Gate) VerifyAdminToken(r *http.Request) error {
	want, _ := g.adminToken.Load().(string)
	got := r.Header.Get(AdminTokenHeader)
	if got == "" {
		return fmt.Errorf("%w: missing %s header", tokenerr.ErrSecurity, AdminTokenHeader)
	}
	if got != want {
		return fmt.Errorf("%w: %s mismatch", tokenerr.ErrSecurity, AdminTokenHeader)
	}
	return nil
}

// RequireAdminToken wraps an http.Handler with the 403-on-mismatch check,
// for the dashboard's destructive endpoints (core spec §4.7.3).
func (g *Gate) RequireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.VerifyAdminToken(r); err != nil {
			http.Error(w, fmt.Sprintf("forbidden: set the %s header (see admin token file)", AdminTokenHeader), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func readNetworkMode(path string) (NetworkMode, error) {
	line, err := readStateLine(path)
	if err != nil {
		return "", err
	}
	if line == "" {
		return NetworkLocal, nil
	}
	switch NetworkMode(line) {
	case NetworkLocal, NetworkPublic:
		return NetworkMode(line), nil
	default:
		return "", fmt.Errorf("%w: invalid network_mode %q", tokenerr.ErrSecurity, line)
	}
}

func readCaptureMode(path string) (CaptureMode, error) {
	line, err := readStateLine(path)
	if err != nil {
		return "", err
	}
	if line == "" {
		return CaptureOff, nil
	}
	switch CaptureMode(line) {
	case CaptureOn, CaptureOff:
		return CaptureMode(line), nil
	default:
		return "", fmt.Errorf("%w: invalid debug_mode %q", tokenerr.ErrSecurity, line)
	}
}

func readAdminToken(path string) (string, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: stat admin token file: %v", tokenerr.ErrSecurity, err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("%w: admin token file %s must be owner-read-write only (0600), found %v", tokenerr.ErrSecurity, path, info.Mode().Perm())
	}
	line, err := readStateLine(path)
	if err != nil {
		return "", err
	}
	return line, nil
}

func readStateLine(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", tokenerr.ErrSecurity, path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteAdminToken persists token to path with owner-only permissions,
// mirroring apikeys.GenerateKey's "generate, then persist" split.
func WriteAdminToken(path, token string) error {
	return os.WriteFile(path, []byte(token+"\n"), 0o600)
}

// WriteNetworkMode persists mode to path with owner-only permissions.
func WriteNetworkMode(path string, mode NetworkMode) error {
	return os.WriteFile(path, []byte(string(mode)+"\n"), 0o600)
}

// WriteCaptureMode persists mode to path with owner-only permissions.
func WriteCaptureMode(path string, mode CaptureMode) error {
	return os.WriteFile(path, []byte(string(mode)+"\n"), 0o600)
}
