// Package httpapi exposes the dispatch pipeline over HTTP.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/shineum/bulkmail/internal/attachment"
	"github.com/shineum/bulkmail/internal/credential"
	"github.com/shineum/bulkmail/internal/dispatch"
	"github.com/shineum/bulkmail/internal/gate"
	"github.com/shineum/bulkmail/internal/metrics"
	"github.com/shineum/bulkmail/internal/request"
)

const multipartMemory = 8 << 20

// Config holds the HTTP-facing settings.
type Config struct {
	// MaxBodyBytes caps the size of any request body.
	MaxBodyBytes int64
	// AllowedOrigins lists the CORS origins; empty allows any origin.
	AllowedOrigins []string
	// DefaultCredentials serve the legacy endpoint, which carries no
	// credentials of its own.
	DefaultCredentials []credential.Credential
	// LoginPerMinute throttles /login per client address.
	LoginPerMinute int
}

// Server routes HTTP requests into the validator, the dispatcher and the
// aggregator.
type Server struct {
	cfg         Config
	validator   *request.Validator
	attachments *attachment.Handler
	dispatcher  *dispatch.Dispatcher
	gate        *gate.Authenticator
	throttle    *gate.Throttle
	router      chi.Router
}

// New creates a Server and registers its routes.
func New(cfg Config, v *request.Validator, att *attachment.Handler, d *dispatch.Dispatcher, g *gate.Authenticator) *Server {
	s := &Server{
		cfg:         cfg,
		validator:   v,
		attachments: att,
		dispatcher:  d,
		gate:        g,
		throttle:    gate.NewThrottle(cfg.LoginPerMinute),
		router:      chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger)
	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", metrics.Handler())
	s.router.Post("/login", s.handleLogin)

	s.router.Group(func(r chi.Router) {
		r.Use(s.gate.Middleware)
		r.Use(s.limitBody)
		r.Post("/send-emails", s.handleSendEmails)
		r.Post("/send-bulk-emails", s.handleSendBulkEmails)
	})
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         3600,
	}).Handler(s.router)
}

// Close releases background resources.
func (s *Server) Close() {
	s.throttle.Stop()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// writeError maps validation failures to 4xx and anything else to 500.
func writeError(w http.ResponseWriter, err error) {
	ve, ok := request.IsValidation(err)
	if !ok {
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "internal server error"})
		return
	}

	status := http.StatusBadRequest
	switch ve.Reason {
	case request.ReasonAttachmentTooLarge, request.ReasonBodyTooLarge:
		status = http.StatusRequestEntityTooLarge
	}
	writeJSON(w, status, messageResponse{Message: ve.Reason})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
			"remote", gate.ClientIP(r),
		)
	})
}
