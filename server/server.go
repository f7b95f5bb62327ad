// Package server implements the trok HTTP server: REST API, auth, the live
// WebSocket and SSE feeds, and the metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/trok/config"
	"github.com/GoCodeAlone/trok/metrics"
	"github.com/GoCodeAlone/trok/server/api"
	"github.com/GoCodeAlone/trok/server/ws"
)

// Server is the trok HTTP server.
type Server struct {
	cfg    config.Config
	mux    *http.ServeMux
	logger *slog.Logger

	srvMu   sync.Mutex
	httpSrv *http.Server

	dispatcher api.Dispatcher
	registry   api.Registry
	hub        *ws.Hub
	metrics    *metrics.Metrics
	serverID   string

	routesOnce sync.Once

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		startTime: time.Now(),
		version:   ver,
	}
}

// SetDispatcher attaches the task queue.
func (s *Server) SetDispatcher(d api.Dispatcher) {
	s.dispatcher = d
}

// SetRegistry attaches the workspace registry.
func (s *Server) SetRegistry(r api.Registry) {
	s.registry = r
}

// SetHub attaches the live feed hub; its store serves snapshot queries.
func (s *Server) SetHub(h *ws.Hub) {
	s.hub = h
}

// SetMetrics exposes m on /metrics.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetServerID labels tasks submitted through this server.
func (s *Server) SetServerID(id string) {
	s.serverID = id
}

// Handler returns the routed handler. Routes are registered on first use.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

// Start begins listening and blocks until the server stops.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":8000"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It returns nil after Stop.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.srvMu.Lock()
	s.httpSrv = srv
	s.srvMu.Unlock()

	s.logger.Info("server listening",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("auth", s.authEnabled()),
	)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server. Open feed connections are
// closed by cancelling their request contexts.
func (s *Server) Stop(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.httpSrv
	s.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	if s.hub == nil {
		s.hub = ws.NewHub(nil, s.logger, s.metrics)
	}
	h := &api.Handlers{
		Dispatcher:    s.dispatcher,
		Registry:      s.registry,
		Snapshots:     s.hub.Store(),
		Hub:           s.hub,
		Logger:        s.logger,
		Version:       s.version,
		ServerID:      s.serverID,
		StartAt:       s.startTime.Unix(),
		WebhookSecret: s.cfg.Webhook.GitHubSecret,
	}

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	h.RegisterPublicRoutes(s.mux)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Feeds take the token as a query parameter, since neither EventSource
	// nor browser WebSockets can set headers.
	s.mux.Handle("GET /ws", s.authMiddleware(http.HandlerFunc(s.hub.ServeWS), true))
	s.mux.Handle("GET /events", s.authMiddleware(http.HandlerFunc(s.hub.ServeSSE), true))

	// Protected API
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux, false))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
