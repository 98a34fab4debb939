/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logger:     Structured request logging (zerolog)
  4. CORS:       Cross-origin requests for the mobile/web frontend
  5. Actor:      Parses X-Actor-Id / X-Actor-Role into the context

IDENTITY:
  Authentication happens upstream; the auth proxy injects the verified
  caller identity as X-Actor-Id and X-Actor-Role headers. ActorMiddleware
  only parses them. Requests without an actor default to an anonymous
  installer with no ID, which fails every authorization check.

ROUTE GROUPS:
  /api/admin/*             Pool administration
  /api/installers/*        Installer-scoped resources
  /api/serials/*           Claim retraction
  /api/payment-requests/*  Request lifecycle
  /api/promotions/*        Campaigns
  /metrics                 Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/solara/loyalty-engine/engine"
)

type actorContextKey struct{}

// ActorMiddleware extracts the caller identity from the auth-proxy headers.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := engine.Actor{
			ID:   r.Header.Get("X-Actor-Id"),
			Role: engine.Role(r.Header.Get("X-Actor-Role")),
		}
		if actor.Role != engine.RoleAdmin {
			actor.Role = engine.RoleInstaller
		}
		ctx := context.WithValue(r.Context(), actorContextKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorFrom returns the request's actor, or an anonymous installer when
// the middleware did not run (tests hitting handlers directly).
func actorFrom(r *http.Request) engine.Actor {
	if actor, ok := r.Context().Value(actorContextKey{}).(engine.Actor); ok {
		return actor
	}
	return engine.Actor{Role: engine.RoleInstaller}
}

// requestLogger logs one line per request with method, path, status and
// duration.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-Id", "X-Actor-Role"},
		AllowCredentials: true,
	}))
	r.Use(ActorMiddleware)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Pool administration
		r.Route("/admin", func(r chi.Router) {
			r.Post("/serials", h.AdmitSerial)
			r.Get("/serials", h.ListPool)
		})

		// Installer-scoped resources
		r.Route("/installers/{id}", func(r chi.Router) {
			r.Post("/serials", h.RegisterSerial)
			r.Get("/balance", h.GetBalance)
			r.Get("/ledger", h.GetLedger)
			r.Post("/payment-requests", h.CreatePaymentRequest)
			r.Get("/payment-requests", h.ListPaymentRequests)
			r.Get("/promotions", h.ListParticipations)
		})

		// Claim retraction
		r.Delete("/serials/{serialNumber}", h.ReleaseSerial)

		// Payment request lifecycle
		r.Route("/payment-requests", func(r chi.Router) {
			r.Get("/pending", h.ListPendingRequests)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetPaymentRequest)
				r.Post("/approve", h.ApproveRequest)
				r.Post("/reject", h.RejectRequest)
				r.Post("/paid", h.MarkPaid)
				r.Post("/revert", h.RevertPaid)
				r.Post("/comments", h.AddComment)
				r.Get("/comments", h.ListComments)
				r.Post("/receipts", h.AttachReceipt)
				r.Get("/receipts", h.ListReceipts)
			})
		})

		// Promotions
		r.Route("/promotions", func(r chi.Router) {
			r.Post("/", h.CreatePromotion)
			r.Get("/", h.ListPromotions)
			r.Post("/{id}/join", h.JoinPromotion)
		})
	})

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Health check
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
