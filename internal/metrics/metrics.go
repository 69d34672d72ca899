package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vasiliy-maslov/cylinder-shop/internal/order"
)

const namespace = "cylinder_shop"

// Metrics holds the service's Prometheus collectors. It implements
// order.Recorder.
type Metrics struct {
	placements      *prometheus.CounterVec
	linesAccepted   prometheus.Counter
	linesRejected   *prometheus.CounterVec
	lineTransitions *prometheus.CounterVec

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "placements_total",
			Help:      "Order placement attempts by outcome.",
		}, []string{"outcome"}),
		linesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "lines_accepted_total",
			Help:      "Order lines whose stock was reserved.",
		}),
		linesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "lines_rejected_total",
			Help:      "Order lines left out of an order, by reason.",
		}, []string{"reason"}),
		lineTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "line_transitions_total",
			Help:      "Fulfillment status changes of order lines.",
		}, []string{"from", "to"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.placements,
		m.linesAccepted,
		m.linesRejected,
		m.lineTransitions,
		m.requestsTotal,
		m.requestDuration,
	)
	return m
}

func (m *Metrics) PlacementFinished(outcome string, accepted, _ int) {
	m.placements.WithLabelValues(outcome).Inc()
	if outcome == "created" {
		m.linesAccepted.Add(float64(accepted))
	}
}

func (m *Metrics) LineRejected(reason order.RejectionReason) {
	m.linesRejected.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) LineTransitioned(from, to order.LineStatus) {
	m.lineTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// Middleware records request counts and latency per chi route pattern, so
// ids in the path do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
