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

// Общие HTTP-метрики
var (
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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics
var (
	matchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bloodnet_match_attempts_total",
			Help: "Match attempts by outcome (matched, no_candidate, skipped).",
		},
		[]string{"outcome"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bloodnet_notifications_total",
			Help: "Donor notification attempts by result.",
		},
		[]string{"result"},
	)

	donationsConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bloodnet_donations_confirmed_total",
		Help: "Donations confirmed by matched donors.",
	})

	inventoryUnits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bloodnet_inventory_units",
			Help: "Units in stock per blood type as of the last change.",
		},
		[]string{"blood_type"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bloodnet_ready",
		Help: "1 when the last readiness check passed.",
	})
)

var initOnce sync.Once

// Регистрация метрик в default-регистре. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			matchAttempts, notifications, donationsConfirmed, inventoryUnits, ready,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordMatchAttempt(outcome string) { matchAttempts.WithLabelValues(outcome).Inc() }

func RecordNotification(result string) { notifications.WithLabelValues(result).Inc() }

func RecordDonation() { donationsConfirmed.Inc() }

func SetInventoryUnits(bloodType string, qty int) {
	inventoryUnits.WithLabelValues(bloodType).Set(float64(qty))
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Обёртка для измерения RPS/latency/в полёте.
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

// resource collections whose second segment is an identifier
var idCollections = map[string][]string{
	"requests":  {"", "match", "cancel", "claim", "confirm"},
	"users":     {""},
	"donors":    {"availability"},
	"matches":   {"notify"},
	"donations": {"verify"},
	"inventory": {""},
}

// CanonicalPath collapses identifiers so metric labels stay bounded.
// Unknown shapes pass through unchanged.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	actions, ok := idCollections[parts[1]]
	if !ok || len(parts) > 4 {
		return raw
	}
	// fixed sub-paths like /v1/donations/history are not identifiers
	if len(parts) == 3 && parts[1] == "donations" && parts[2] == "history" {
		return raw
	}
	action := ""
	if len(parts) == 4 {
		action = parts[3]
	}
	for _, a := range actions {
		if a == action {
			out := "/v1/" + parts[1] + "/:id"
			if action != "" {
				out += "/" + action
			}
			return out
		}
	}
	return raw
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
