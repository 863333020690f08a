// Package http provides the HTTP transport: the chi router, middleware and
// the comparison, account, billing and webhook handlers.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/comparellm/adapters/metrics"
	"github.com/artpar/comparellm/app"
	"github.com/artpar/comparellm/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterConfig holds optional configuration for the router.
type RouterConfig struct {
	Metrics        *metrics.Collector
	MetricsHandler http.Handler // Optional exporter for /metrics, defaults to promhttp
	MetricsPath    string       // Defaults to /metrics
	AdminHandler   http.Handler // Optional admin API, mounted at /admin
	Version        string
}

// NewRouter creates the main HTTP router.
func NewRouter(api *APIHandler, webhook *WebhookHandler, auth *Authenticator, healthHandler *HealthHandler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger, metricsPath))
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics, metricsPath))
	}

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Liveness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/version", Version(cfg.Version))

	if cfg.MetricsHandler != nil {
		r.Handle(metricsPath, cfg.MetricsHandler)
	} else if cfg.Metrics != nil {
		r.Handle(metricsPath, promhttp.Handler())
	}

	// Billing provider webhooks are not authenticated; the signature is
	// verified inside the handler.
	r.Post("/webhooks/stripe", webhook.ServeHTTP)

	r.Get("/api/models", api.ListModels)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Post("/api/compare", api.Compare)
		r.Post("/api/compare/stream", api.CompareStream)
		r.Post("/api/compare/retry", api.Retry)

		r.Get("/api/account", api.GetAccount)
		r.Get("/api/usage", api.ListUsage)

		r.Post("/api/billing/checkout", api.Checkout)
		r.Post("/api/billing/cancel", api.Cancel)
		r.Post("/api/billing/portal", api.Portal)
	})

	if cfg.AdminHandler != nil {
		r.Mount("/admin", cfg.AdminHandler)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// -----------------------------------------------------------------------------
// Responses
// -----------------------------------------------------------------------------

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error            string `json:"error"`
	Reason           string `json:"reason,omitempty"`
	RemainingCredits *int64 `json:"remainingCredits,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeServiceError maps application errors to status codes. Unknown errors
// are logged and reported as 500 with the error text.
func writeServiceError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var rejection *app.RejectionError
	switch {
	case errors.As(err, &rejection):
		remaining := rejection.RemainingCredits
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:            rejection.Reason,
			Reason:           rejection.Reason,
			RemainingCredits: &remaining,
		})
	case app.IsValidationError(err), errors.Is(err, app.ErrInvalidTier):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrNoSubscription), errors.Is(err, app.ErrNoCustomer):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ports.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	db HealthChecker
}

// HealthChecker checks a dependency the service cannot run without.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler creates a new health handler. A nil checker is always ready.
func NewHealthHandler(db HealthChecker) *HealthHandler {
	return &HealthHandler{db: db}
}

// Liveness returns a simple liveness check.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness checks that storage answers.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// VersionResponse is the body of /version.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// Version returns a handler reporting the service version.
func Version(version string) http.HandlerFunc {
	if version == "" {
		version = "dev"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, VersionResponse{Version: version, Service: "comparellm"})
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func internalPath(path, metricsPath string) bool {
	return strings.HasPrefix(path, "/health") || path == metricsPath
}

// NewMetricsMiddleware creates middleware that records request metrics,
// labelled by chi route pattern.
func NewMetricsMiddleware(m *metrics.Collector, metricsPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if internalPath(r.URL.Path, metricsPath) {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.ObserveRequest(r.Method, route, ww.Status(), time.Since(start))
		})
	}
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger, metricsPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if internalPath(r.URL.Path, metricsPath) {
				return
			}

			event := logger.Debug()
			if ww.Status() >= 500 {
				event = logger.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
