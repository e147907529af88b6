/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client address from X-Forwarded-For / X-Real-IP
  3. RequestLogger: zap logger scoped to the request, one line per request
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. Timeout:       Cancels the request context after RequestTimeout
  6. CORS:          Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /healthz              Liveness + store ping
  /api/rooms/*          Room and bed management
  /api/allocation/*     Availability, allocate, release
  /api/tenants/*        Tenant onboarding and reallocation
  /api/payments/*       Ledger queries and status transitions
  /api/admin/billing/*  Billing sweep trigger and history

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/hostel-engine/logging"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	Logger         *zap.Logger
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = h.Logger
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Room routes
		r.Route("/rooms", func(r chi.Router) {
			r.Get("/", h.ListRooms)
			r.Post("/", h.CreateRoom)
			r.Get("/{id}", h.GetRoom)
			r.Put("/{id}", h.UpdateRoom)
			r.Delete("/{id}", h.DeleteRoom)
		})

		// Allocation routes
		r.Route("/allocation", func(r chi.Router) {
			r.Get("/available-rooms", h.AvailableRooms)
			r.Get("/available-beds", h.AvailableBeds)
			r.Post("/allocate-bed", h.AllocateBed)
			r.Post("/release-bed", h.ReleaseBed)
		})

		// Tenant routes
		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", h.ListTenants)
			r.Post("/", h.CreateTenant)
			r.Get("/{id}", h.GetTenant)
			r.Patch("/{id}", h.UpdateTenant)
			r.Put("/{id}/bed", h.ReallocateTenant)
			r.Post("/{id}/payments/next", h.CreateNextPayment)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Get("/pending", h.PendingPayments)
			r.Get("/upcoming", h.UpcomingPayments)
			r.Get("/paid", h.PaidPayments)
			r.Post("/{id}/pay", h.PayPayment)
			r.Post("/{id}/cancel", h.CancelPayment)
		})

		// Admin routes
		r.Route("/admin/billing", func(r chi.Router) {
			r.Get("/", h.BillingStatus)
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/runs", h.ListSweepRuns)
		})
	})

	return r
}
