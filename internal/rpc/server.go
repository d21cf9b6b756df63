// Package rpc provides the read-only HTTP API over the oracle.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cadena-bitcoin/cadena-oracle/internal/oracle"
	"github.com/cadena-bitcoin/cadena-oracle/pkg/logging"
)

// Server serves the oracle API.
type Server struct {
	oracle   *oracle.Oracle
	log      *logging.Logger
	demoMode bool

	server   *http.Server
	listener net.Listener
}

// NewServer creates the API server. Demo mode additionally exposes the
// OpenAPI schema endpoint.
func NewServer(o *oracle.Oracle, demoMode bool) *Server {
	return &Server{
		oracle:   o,
		log:      logging.GetDefault().Component("rpc"),
		demoMode: demoMode,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v0/oracle/oracle_info", s.handleOracleInfo)
	mux.HandleFunc("GET /api/v0/oracle/oracle_status", s.handleOracleStatus)
	mux.HandleFunc("GET /api/v0/event/event/{event_id}", s.handleEvent)
	mux.HandleFunc("GET /api/v0/event/events", s.handleEvents)
	mux.HandleFunc("GET /api/v0/event/event_ids", s.handleEventIDs)
	mux.HandleFunc("GET /api/v0/event/event_classes", s.handleEventClasses)
	mux.HandleFunc("GET /api/v0/event/next_event", s.handleNextEvent)
	mux.HandleFunc("GET /api/v0/price/current_all", s.handlePriceAll)
	mux.HandleFunc("GET /api/v0/price/current/{symbol}", s.handlePrice)
	mux.HandleFunc("GET /api/v0/price_info/current_all", s.handlePriceInfoAll)
	mux.HandleFunc("GET /api/v0/price_info/current/{symbol}", s.handlePriceInfo)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.demoMode {
		mux.HandleFunc("GET /openapi.json", s.handleOpenAPI)
	}

	return corsMiddleware(mux)
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("API server error", "error", err)
		}
	}()

	s.log.Info("API server started", "addr", addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// writeJSON writes a 200 JSON response. nil renders as an empty object,
// matching the API contract for absent entities.
func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if v == nil {
		w.Write([]byte("{}"))
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("Failed to encode response", "error", err)
	}
}

// writeServerError hides internal error text from clients.
func (s *Server) writeServerError(w http.ResponseWriter, err error) {
	s.log.Error("Request failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// corsMiddleware adds permissive CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
