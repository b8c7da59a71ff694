/*
metrics.go - Prometheus instrumentation

PURPOSE:
  Defines the engine's Prometheus collectors and the request-counting
  middleware. Scraped at GET /metrics.

SEE ALSO:
  - server.go: Middleware wiring and the /metrics route
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors the handlers touch.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	EntriesAppended prometheus.Counter
	PayrollRuns     prometheus.Counter
	InterestRuns    prometheus.Counter
}

// NewMetrics builds and registers the collectors on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		EntriesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_entries_appended_total",
			Help: "Ledger entries appended through the API.",
		}),
		PayrollRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_payroll_runs_total",
			Help: "Completed payroll runs.",
		}),
		InterestRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_interest_runs_total",
			Help: "Completed interest posting runs.",
		}),
	}
	reg.MustRegister(m.Requests, m.RequestDuration, m.EntriesAppended, m.PayrollRuns, m.InterestRuns)
	return m
}

// Instrument records count and latency per request. The route label uses
// the chi pattern rather than the raw path to keep cardinality bounded.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.Requests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
