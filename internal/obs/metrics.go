package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInitOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Init registers the HTTP collectors in the default registry.
func Init() {
	httpInitOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration)
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records in-flight, count and latency for every request.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	switch {
	case strings.HasPrefix(p, "/internal/payments/status/"):
		return "/internal/payments/status/:id"
	case strings.HasPrefix(p, "/internal/apps/"):
		rest := strings.TrimPrefix(p, "/internal/apps/")
		if i := strings.IndexByte(rest, '/'); i > 0 && rest[i:] == "/users" {
			return "/internal/apps/:id/users"
		}
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Metrics groups the domain collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	WebhookDeliveries  *prometheus.CounterVec
	WebhookLatency     *prometheus.HistogramVec
	TxTransitions      *prometheus.CounterVec
	ReaperTicks        *prometheus.CounterVec
	ReaperDowngrades   prometheus.Counter
	TokenRedemptions   *prometheus.CounterVec
	EntitlementChanges *prometheus.CounterVec
}

// NewMetrics builds the domain collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Outbound webhook delivery attempts by event and outcome.",
		}, []string{"event", "outcome"}),
		WebhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Latency of outbound webhook deliveries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
		TxTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_transitions_total",
			Help:      "Transaction state transitions by resulting status.",
		}, []string{"status"}),
		ReaperTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_ticks_total",
			Help:      "Subscription reaper ticks by outcome.",
		}, []string{"outcome"}),
		ReaperDowngrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_downgrades_total",
			Help:      "Links downgraded after expiry.",
		}),
		TokenRedemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_redemptions_total",
			Help:      "Verification token redemptions by channel and outcome.",
		}, []string{"channel", "outcome"}),
		EntitlementChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_changes_total",
			Help:      "Entitlement writes by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.WebhookDeliveries,
			m.WebhookLatency,
			m.TxTransitions,
			m.ReaperTicks,
			m.ReaperDowngrades,
			m.TokenRedemptions,
			m.EntitlementChanges,
		)
	}
	return m
}

func (m *Metrics) WebhookDelivered(event, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(event, outcome).Inc()
	m.WebhookLatency.WithLabelValues(event).Observe(d.Seconds())
}

func (m *Metrics) TxTransition(status string) {
	if m == nil {
		return
	}
	m.TxTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ReaperTick(outcome string, downgraded int) {
	if m == nil {
		return
	}
	m.ReaperTicks.WithLabelValues(outcome).Inc()
	m.ReaperDowngrades.Add(float64(downgraded))
}

func (m *Metrics) TokenRedeemed(channel, outcome string) {
	if m == nil {
		return
	}
	m.TokenRedemptions.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) EntitlementChanged(kind string) {
	if m == nil {
		return
	}
	m.EntitlementChanges.WithLabelValues(kind).Inc()
}
