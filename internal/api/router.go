// Package api serves the relay's HTTP surface: query submission, result
// retrieval, and the admin apply endpoint. All endpoints require an
// authenticated client certificate.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/engine"
	"github.com/relaymesh/relay/internal/postgres"
	"github.com/relaymesh/relay/internal/relayerr"
	"github.com/relaymesh/relay/internal/results"
)

// maxJSONBodySize caps request bodies. Query templates are separately bounded
// by the validator; this is transport-level protection.
const maxJSONBodySize = 4 << 20

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	Engine  *engine.Engine
	Catalog *postgres.Catalog
	Results *results.Manager
	// LocalFingerprint identifies this relay's own row in the catalog.
	LocalFingerprint string
	// ClientCertHeader selects header-based authentication; empty means
	// direct mTLS.
	ClientCertHeader string
	// CORSOrigins optionally opens the API to browser clients.
	CORSOrigins []string
}

// NewRouter builds the chi router with the relay's middleware chain.
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(limitJSONBody)

	if len(srv.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   srv.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health", srv.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(auth.ClientCertMiddleware(srv.ClientCertHeader))
		r.Post("/query", srv.handleSubmitQuery)
		r.Get("/query/{requestID}", srv.handleGetQueryResults)
		r.Post("/admin/apply", srv.handleAdminApply)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger emits one structured log line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// limitJSONBody caps request body size for non-multipart requests.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if r.Body != nil && !strings.HasPrefix(ct, "multipart/") {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// errorJSON writes a plain JSON error message.
func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRelayError maps a relay error to the wire: validator and rewriter
// failures are client-visible 4xx with the message text; everything else is a
// generic 500.
func writeRelayError(w http.ResponseWriter, err error) {
	switch relayerr.KindOf(err) {
	case relayerr.InvalidQuery, relayerr.SerDe, relayerr.NotImplemented,
		relayerr.InvalidTransform, relayerr.EmptyQuery:
		errorJSON(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "error", err)
		errorJSON(w, http.StatusInternalServerError, "An unexpected error occurred")
	}
}
