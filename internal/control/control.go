// Package control implements C8, Health & Control: the in-proxy /health
// endpoint, SIGHUP-triggered registry reload, and the graceful-shutdown
// sequence core spec §4.8 describes, plus the C7-guarded dashboard admin
// surface SPEC_FULL.md §11 assigns to gorilla/mux alongside it.
//
// Grounded on the teacher's cmd/llm-proxy/main.go healthHandler (JSON
// status payload, mux.Router route registration) and on
// internal/apikeys.store's admin-gated mutation endpoints for the
// dashboard stub.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/tokentap/tokentap/internal/metrics"
	"github.com/tokentap/tokentap/internal/security"
)

// Reloader is the subset of registry.Manager control needs to service
// SIGHUP, kept as an interface so tests can supply a stub.
type Reloader interface {
	Reload() error
}

// Drainer is the subset of sink.Sink control needs at shutdown.
type Drainer interface {
	Drain(deadline time.Duration)
}

// Config wires a Server's collaborators.
type Config struct {
	Logger   *slog.Logger
	Proxy    http.Handler // the flowcontrol.Controller, handles everything control doesn't claim
	Registry Reloader
	Sink     Drainer
	Gate     *security.Gate
	Metrics  *metrics.Client

	// GraceDeadline bounds how long SIGTERM/SIGINT waits for in-flight
	// flows before forcing shutdown. Core spec §4.8 default is 10s.
	GraceDeadline time.Duration
}

// Server answers /health and the admin surface directly and forwards
// everything else to the flow controller — matching core spec §4.8's
// "answered by the proxy itself on its listen port... not as a direct
// HTTP server on the same port", i.e. control is reached through the same
// handler chain as any other intercepted flow, not a second listener.
type Server struct {
	logger        *slog.Logger
	proxy         http.Handler
	registry      Reloader
	sink          Drainer
	gate          *security.Gate
	metrics       *metrics.Client
	graceDeadline time.Duration

	router *mux.Router
}

const defaultGraceDeadline = 10 * time.Second

// New builds a Server. Its ServeHTTP is what the process listener (built
// by cmd/tokentap) actually mounts.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.GraceDeadline
	if grace <= 0 {
		grace = defaultGraceDeadline
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Noop()
	}

	s := &Server{
		logger:        logger,
		proxy:         cfg.Proxy,
		registry:      cfg.Registry,
		sink:          cfg.Sink,
		gate:          cfg.Gate,
		metrics:       m,
		graceDeadline: grace,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	adminRouter := router.PathPrefix("/api").Subrouter()
	adminRouter.Handle("/events/all", s.gate.RequireAdminToken(http.HandlerFunc(s.handleDeleteAllEvents))).Methods(http.MethodDelete)

	router.NotFoundHandler = http.HandlerFunc(s.forwardToProxy)
	s.router = router
	return s
}

// ServeHTTP routes /health, /status, and the admin API locally; every
// other request forwards to the flow controller unchanged.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" || r.URL.Path == "/status" || isAdminPath(r.URL.Path) {
		s.router.ServeHTTP(w, r)
		return
	}
	s.forwardToProxy(w, r)
}

func isAdminPath(path string) bool {
	return len(path) >= 5 && path[:5] == "/api/"
}

func (s *Server) forwardToProxy(w http.ResponseWriter, r *http.Request) {
	s.proxy.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "proxy": true})
}

// handleStatus reports the internal counters core spec §7 requires
// ("sink.dropped, sink.failed, extract.degraded, stream.skipped ... exposed
// via logs and an internal status endpoint") alongside the security gate's
// current mode.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":       "ok",
		"network_mode": "",
		"capture_mode": "",
		"counters":     s.metrics.Snapshot(),
	}
	if s.gate != nil {
		status["network_mode"] = string(s.gate.NetworkMode())
		status["capture_mode"] = string(s.gate.CaptureMode())
	}
	writeJSON(w, http.StatusOK, status)
}

// handleDeleteAllEvents is a destructive admin-only stub: the event store
// contract (internal/eventstore.Store) has no bulk-delete operation by
// design (core spec §8, append-only), so this endpoint exists purely to
// exercise the C7 admin-token gate in front of a dashboard action that
// would, in a deployment with a mutable store driver, perform the purge.
func (s *Server) handleDeleteAllEvents(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("admin: purge-all-events requested; event store is append-only, no-op")
	writeJSON(w, http.StatusNotImplemented, map[string]any{
		"error": "event store is append-only; bulk delete is not supported",
	})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Reload services SIGHUP: core spec §4.8's "schedules a registry reload
// via C1; non-blocking".
func (s *Server) Reload() {
	go func() {
		if err := s.registry.Reload(); err != nil {
			s.logger.Warn("control: registry reload failed", "error", err)
			return
		}
		s.logger.Info("control: registry reloaded")
	}()
}

// Shutdown implements core spec §4.8's SIGTERM/SIGINT sequence: it calls
// httpServer.Shutdown itself (stop accepting new connections, wait out
// in-flight flows up to the grace deadline), force-closes the server if the
// deadline passes, and then drains the sink.
func (s *Server) Shutdown(ctx context.Context, httpServer *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.graceDeadline)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("control: graceful shutdown deadline exceeded, forcing close", "error", err)
		_ = httpServer.Close()
	}

	if s.sink != nil {
		s.sink.Drain(s.graceDeadline)
	}
}

// RunSignalLoop wires SIGHUP to Reload and SIGTERM/SIGINT to Shutdown,
// blocking until a termination signal is handled. Grounded on the
// standard signal.Notify channel idiom; the teacher's main.go has no
// signal handling of its own (it blocks forever on ListenAndServe), so
// this loop is new ambient infrastructure built in the same plain,
// slog-narrated style as the rest of cmd/tokentap/main.go.
func (s *Server) RunSignalLoop(ctx context.Context, httpServer *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				s.logger.Info("control: received SIGHUP, reloading registry")
				s.Reload()
			case syscall.SIGTERM, syscall.SIGINT:
				s.logger.Info("control: received shutdown signal", "signal", sig.String())
				s.Shutdown(ctx, httpServer)
				return
			}
		}
	}
}
