package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// RouteOption configures optional router behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware instruments all non-health routes with
// OpenTelemetry spans.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health"
			}),
		))
	}
}

// SetupRoutes builds the public router.
func SetupRoutes(h *Handlers, opts ...RouteOption) *mux.Router {
	router := mux.NewRouter()

	for _, opt := range opts {
		opt(router)
	}

	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(h.log))

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/version", h.Version).Methods(http.MethodGet)

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(noCacheMiddleware)

	api.HandleFunc("/auth/anonymous", h.AnonymousAuth).Methods(http.MethodPost)
	api.HandleFunc("/generate", h.requireAuth(h.Generate)).Methods(http.MethodPost)
	api.HandleFunc("/migration/start", h.requireAuth(h.MigrationStart)).Methods(http.MethodPost)
	api.HandleFunc("/migration/complete", h.MigrationComplete).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	return router
}
