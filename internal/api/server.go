// Package api provides the HTTP server for cardledger.
// It starts scrape batches, streams their progress, accepts one-time codes
// and serves ledger queries to the UI.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cardledger/cardledger/internal/app/billing"
	"github.com/cardledger/cardledger/internal/app/categorize"
	"github.com/cardledger/cardledger/internal/app/orchestrator"
	"github.com/cardledger/cardledger/internal/infra/observability"
	"github.com/cardledger/cardledger/internal/infra/sqlite"
)

// Server is the cardledger HTTP API server.
type Server struct {
	orch           *orchestrator.Orchestrator
	db             *sqlite.DB
	resolver       *categorize.Resolver
	hub            *ProgressHub
	tracer         *observability.Tracer
	startDay       int
	metricsEnabled bool
	log            zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(orch *orchestrator.Orchestrator, db *sqlite.DB, resolver *categorize.Resolver) *Server {
	return &Server{
		orch:     orch,
		db:       db,
		resolver: resolver,
		startDay: billing.DefaultStartDay,
		log:      zerolog.Nop(),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetProgressHub sets the live progress SSE hub.
func (s *Server) SetProgressHub(h *ProgressHub) { s.hub = h }

// SetTracer exposes recorded spans under /api/debug/spans.
func (s *Server) SetTracer(t *observability.Tracer) { s.tracer = t }

// SetCycleStartDay sets the billing cycle start day used by ledger queries.
func (s *Server) SetCycleStartDay(day int) { s.startDay = day }

// SetLogger sets the request logger.
func (s *Server) SetLogger(l zerolog.Logger) { s.log = l }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	// Streams are long-lived; they end when the batch or the client does.
	r.Post("/api/scrape", s.handleScrape)
	if s.hub != nil {
		r.Get("/api/scrape/live", s.hub.HandleLiveSSE)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Post("/api/otp/{id}", s.handleSubmitOTP)
		r.Post("/api/otp/{id}/reject", s.handleRejectOTP)
		r.Get("/api/sync/last", s.handleLastSync)
		r.Get("/api/scrape/events", s.handleEvents)

		r.Get("/api/transactions", s.handleTransactions)
		r.Get("/api/cycles", s.handleCycles)
		r.Get("/api/rules", s.handleListRules)
		r.Post("/api/rules/apply", s.handleApplyRules)

		if s.tracer != nil {
			r.Get("/api/debug/spans", s.handleSpans)
		}
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with a stable machine code.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": msg,
		},
	})
}

// decodeBody decodes an optional JSON body into v. An empty body is fine.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// corsMiddleware adds CORS headers for the local UI.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
