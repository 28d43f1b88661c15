// Package api implements the broker's HTTP request surface (§6):
// subscriber management, historical queries, publisher ingress, and
// the live WebSocket stream. Grounded on the teacher's server.go
// Server-struct-plus-ServeMux shape and writeJSON/errorResponse
// helpers, with every handler's business logic replaced.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/pulsewire/internal/buildinfo"
	"github.com/nugget/pulsewire/internal/distribution"
	"github.com/nugget/pulsewire/internal/events"
	"github.com/nugget/pulsewire/internal/publish"
	"github.com/nugget/pulsewire/internal/publisherregistry"
	"github.com/nugget/pulsewire/internal/query"
	"github.com/nugget/pulsewire/internal/subscriberregistry"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the broker's HTTP API server.
type Server struct {
	address string
	port    int

	subs       *subscriberregistry.Registry
	pubs       *publisherregistry.Registry
	fabric     *distribution.Fabric
	publishSvc *publish.Service
	querySvc   *query.Service
	events     *events.Bus

	logger *slog.Logger
	server *http.Server
}

// SetEvents attaches the operational event bus powering GET /v1/ops/events.
func (s *Server) SetEvents(b *events.Bus) {
	s.events = b
}

// NewServer wires a Server over its collaborating components.
func NewServer(address string, port int, subs *subscriberregistry.Registry, pubs *publisherregistry.Registry, fabric *distribution.Fabric, publishSvc *publish.Service, querySvc *query.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:    address,
		port:       port,
		subs:       subs,
		pubs:       pubs,
		fabric:     fabric,
		publishSvc: publishSvc,
		querySvc:   querySvc,
		logger:     logger,
	}
}

// Handler builds the routed mux, wrapped in request logging. Exposed
// separately from Start so tests can drive it with httptest without
// binding a real listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("POST /v1/subscribers", s.handleSubscribe)
	mux.HandleFunc("GET /v1/subscribers/{id}", s.handleGetSubscription)
	mux.HandleFunc("PUT /v1/subscribers/{id}/channels", s.handleUpdateChannels)
	mux.HandleFunc("POST /v1/subscribers/{id}/deactivate", s.handleDeactivate)
	mux.HandleFunc("GET /v1/subscribers/{id}/balance", s.handleGetBalance)
	mux.HandleFunc("POST /v1/subscribers/{id}/deposit", s.handleDeposit)

	mux.HandleFunc("GET /v1/channels", s.handleListChannels)
	mux.HandleFunc("GET /v1/alerts", s.handleListAlerts)
	mux.HandleFunc("GET /v1/alerts/{id}", s.handleGetAlert)

	mux.HandleFunc("POST /v1/publishers", s.handleRegisterPublisher)
	mux.HandleFunc("POST /v1/publish", s.handlePublish)
	mux.HandleFunc("GET /v1/publishers", s.handleListPublishers)
	mux.HandleFunc("GET /v1/publishers/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /v1/publishers/{id}", s.handleGetPublisher)
	mux.HandleFunc("GET /v1/publishers/{id}/alerts", s.handlePublisherAlerts)
	mux.HandleFunc("GET /v1/whoami", s.handleWhoAmI)

	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/ops/events", s.handleOpsEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoint holds the connection open indefinitely
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "PulseWire",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// bearerToken extracts the token from an "Authorization: Bearer <key>"
// header, or "" if absent or malformed.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}
