// Package server provides the HTTP admin surface for Sentinel: broker
// connectivity, config store, watchlist hierarchy management, the signal
// lifecycle and entry/exit intent pipelines, and open-trade reads, plus
// the live event stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/sentinel-trading/backend/internal/apperr"
	"github.com/sentinel-trading/backend/internal/di"
)

// Config holds the inputs needed to build a Server.
type Config struct {
	Log       zerolog.Logger
	Container *di.Container
	Port      int
	DevMode   bool
}

// Server is the HTTP admin surface, backed by a fully-wired di.Container.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	container *di.Container
}

// New builds a Server with every route mounted, ready for Start.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		container: cfg.Container,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/admin", func(r chi.Router) {
		r.Get("/events/stream", s.container.Stream.ServeHTTP)

		s.registerBrokerRoutes(r)
		s.registerConfigRoutes(r)
		s.registerWatchlistRoutes(r)
		s.registerPortfolioRoutes(r)
		s.registerInstrumentRoutes(r)
		s.registerMonitoringRoutes(r)
		s.registerTradingRoutes(r)
	})
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "service": "sentinel"})
}

// --- shared response helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeOK(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// writeError maps an apperr.Kind to its HTTP status, falling back to 500
// for unclassified errors.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	if kind, ok := apperr.KindOf(err); ok {
		switch kind {
		case apperr.KindNotFound:
			status = http.StatusNotFound
		case apperr.KindConflictVersion, apperr.KindConflictState:
			status = http.StatusConflict
		case apperr.KindValidationFailed:
			status = http.StatusBadRequest
		case apperr.KindAdapterUnavailable:
			status = http.StatusServiceUnavailable
		case apperr.KindAdapterRejected:
			status = http.StatusBadGateway
		case apperr.KindTimeout:
			status = http.StatusGatewayTimeout
		case apperr.KindCancelled:
			status = 499
		case apperr.KindInternal:
			status = http.StatusInternalServerError
		}
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("op", op).Msg("request failed")
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
