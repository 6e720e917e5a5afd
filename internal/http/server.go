// Package http serves the gateway's HTTP surface: liveness and health
// endpoints for external supervisors, and the websocket channel mount.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roelfdiedericks/lifeline/internal/gateway"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/metrics"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

// Authenticator checks basic-auth credentials.
type Authenticator interface {
	Authenticate(username, password string) (types.Identity, error)
	HasUsers() bool
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen string // e.g. "127.0.0.1:7337"

	// WebSocketPath mounts WebSocket there when both are set.
	WebSocketPath string
	WebSocket     http.Handler

	// Metrics enables GET /api/metrics.
	Metrics func() []metrics.Snapshot
}

// Server is the HTTP listener.
type Server struct {
	cfg         ServerConfig
	auth        Authenticator
	status      func() gateway.Status
	rateLimiter *RateLimiter

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates the server. status is called for every /api/health request.
func NewServer(cfg ServerConfig, auth Authenticator, status func() gateway.Status) *Server {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:7337"
	}
	s := &Server{
		cfg:         cfg,
		auth:        auth,
		status:      status,
		rateLimiter: NewRateLimiter(10 * time.Second),
	}
	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// routes builds the router. Websocket connections authenticate in-band and
// skip basic auth; they are long-lived, so the server has no write timeout.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)
	r.Use(stripHeaders)

	r.Get("/healthz", handleLiveness)
	r.Group(func(r chi.Router) {
		r.Use(s.protect)
		r.Get("/api/health", s.handleHealth)
		if s.cfg.Metrics != nil {
			r.Get("/api/metrics", s.handleMetrics)
		}
	})
	if s.cfg.WebSocket != nil && s.cfg.WebSocketPath != "" {
		r.Handle(s.cfg.WebSocketPath, s.cfg.WebSocket)
	}
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("http: listen %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("http: server starting", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L_error("http: server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Listen
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	L_info("http: server stopped")
	return err
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		L_trace("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

// stripHeaders removes fingerprinting headers
func stripHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")
		next.ServeHTTP(w, r)
	})
}
