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
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Metrics:    Prometheus request counters and latency
  4. Logging:    Structured request logging (zap)
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/persons/*        Balances, ledger, transfers, purchases, attendance
  /api/entries/*        Void markers
  /api/periods/*        Payroll, interest, rule params, items, loans
  /api/enrollments      Person-to-period links
  /api/health           Liveness
  /metrics              Prometheus scrape target

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if h.Metrics != nil {
		r.Use(h.Metrics.Instrument)
	}
	r.Use(requestLogger(h.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/persons/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/ledger", h.ListLedger)
			r.Post("/transfers", h.CreateTransfer)
			r.Post("/purchases", h.CreatePurchase)
			r.Post("/attendance", h.RecordAttendance)
			r.Post("/hallpass", h.HallPassOut)
			r.Post("/hallpass/return", h.HallPassReturn)
			r.Get("/rent", h.GetRentCycle)
			r.Post("/rent/pay", h.PayRent)
			r.Post("/insurance", h.EnrollInsurance)
			r.Post("/insurance/pay", h.PayPremium)
			r.Post("/insurance/claim", h.FileClaim)
			r.Delete("/insurance", h.CancelInsurance)
		})

		r.Route("/entries/{id}", func(r chi.Router) {
			r.Post("/void", h.VoidEntry)
		})

		r.Route("/periods/{key}", func(r chi.Router) {
			r.Post("/payroll/run", h.RunPayroll)
			r.Post("/interest/post", h.PostInterest)
			r.Get("/params", h.GetParams)
			r.Put("/params", h.PutParams)
			r.Post("/params/validate", h.ValidateParams)
			r.Post("/inflation", h.ApplyInflation)
			r.Post("/loans/evaluate", h.EvaluateLoan)
			r.Get("/items", h.ListItems)
			r.Post("/items", h.CreateItem)
		})

		r.Delete("/attendance/{id}", h.RemoveAttendance)
		r.Post("/enrollments", h.CreateEnrollment)
		r.Get("/health", h.Health)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// requestLogger logs every request with the structured logger after the
// response is written.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
