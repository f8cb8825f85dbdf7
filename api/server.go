/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/balances/*       Balance reads
  /api/accounts/*       Account registration and direct writes
  /api/transactions/*   Transaction lifecycle events
  /api/optimistic/*     Optimistic update reverts
  /api/admin/*          Recalculation, flush, cancel
  /api/scenarios/*      Demo scenarios
  /health               Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Balance routes
		r.Route("/balances", func(r chi.Router) {
			r.Get("/", h.ListBalances)
			r.Get("/{accountID}", h.GetBalance)
		})

		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.RegisterAccounts)
			r.Delete("/{accountID}", h.RemoveAccount)
			r.Post("/{accountID}/mode", h.SetMode)
			r.Put("/{accountID}/deposit", h.UpdateDeposit)
			r.Put("/{accountID}/balance", h.SetBalance)
			r.Post("/{accountID}/optimistic", h.OptimisticUpdate)
		})

		// Transaction event routes
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/events", h.TransactionEvent)
			r.Post("/events/batch", h.TransactionEventBatch)
		})

		// Optimistic update routes
		r.Post("/optimistic/{operationID}/revert", h.RevertOptimistic)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/recalculate", h.Recalculate)
			r.Post("/flush", h.FlushQueue)
			r.Post("/cancel-pending", h.CancelPending)
		})

		// Diagnostic routes
		r.Get("/statistics", h.GetStatistics)
		r.Get("/records", h.ListRecords)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetState)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
