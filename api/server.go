/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     zerolog access log with request id and route pattern
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the collector and review UIs

ROUTE GROUPS:
  /health               Liveness
  /metrics              Prometheus scrape endpoint
  /api/session/*        Collection session gate
  /api/panels/*         Panel administration
  /api/drafts/*         Draft submission, review and consolidation
  /api/readings/*       Ledger queries and analysis
  /api/dashboard        Overview
  /api/import/*         Bulk import

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/meterledger/serve.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/warp/meter-ledger/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/start", h.StartSession)
			r.Post("/end", h.EndSession)
		})

		r.Route("/panels", func(r chi.Router) {
			r.Get("/", h.ListPanels)
			r.Post("/", h.CreatePanel)
			r.Put("/{id}", h.UpdatePanel)
			r.Delete("/{id}", h.DeletePanel)
			r.Get("/{id}/latest", h.LatestReading)
		})

		r.Route("/drafts", func(r chi.Router) {
			r.Get("/", h.CollectorView)
			r.Post("/", h.SubmitDraft)
			r.Post("/confirm-reset", h.ConfirmReset)
			r.Put("/{id}", h.EditDraft)
			r.Get("/review", h.ReviewDrafts)
			r.Get("/conflicts", h.DetectConflicts)
			r.Post("/consolidate", h.Consolidate)
			r.Post("/new-count", h.StartNewCount)
		})

		r.Route("/readings", func(r chi.Router) {
			r.Get("/", h.ListReadings)
			r.Get("/analysis", h.Analysis)
		})

		r.Get("/dashboard", h.Dashboard)

		r.Route("/import", func(r chi.Router) {
			r.Post("/", h.Import)
			r.Get("/template", h.ImportTemplate)
		})
	})

	return r
}

// requestLogger logs one line per request and counts it by route pattern.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				route := r.URL.Path
				if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
					route = rc.RoutePattern()
				}
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()

				ev := log.Info()
				if status >= http.StatusInternalServerError {
					ev = log.Error()
				}
				ev.Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("route", route).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
