package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	slotMu     sync.Mutex
	slotLabels = map[string]struct{}{}

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "postpipe",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "postpipe",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "route", "status"},
	)
	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "postpipe",
			Name:      "connections_total",
			Help:      "IPC connections by terminal result.",
		},
		[]string{"result"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "postpipe",
			Name:      "handshakes_total",
			Help:      "Shared-secret handshakes by result.",
		},
		[]string{"result"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "postpipe",
			Name:      "dispatch_total",
			Help:      "Dispatched operations by tag and result.",
		},
		[]string{"operation", "result"},
	)
	publishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "postpipe",
			Name:      "publish_duration_seconds",
			Help:      "Publisher call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "status"},
	)
	slots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "postpipe",
			Name:      "slots",
			Help:      "Worker slots by state.",
		},
		[]string{"state"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, connections, handshakes, dispatches, publishDuration, slots)
	})
}

func RecordHTTPRequest(service, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, route, statusLabel).Observe(duration.Seconds())
}

// RecordConnection counts one finished connection; result is an error kind or "ok".
func RecordConnection(result string) {
	RegisterMetrics()
	connections.WithLabelValues(result).Inc()
}

func RecordHandshake(ok bool) {
	RegisterMetrics()
	result := "rejected"
	if ok {
		result = "accepted"
	}
	handshakes.WithLabelValues(result).Inc()
}

func RecordDispatch(operation, result string) {
	RegisterMetrics()
	dispatches.WithLabelValues(operation, result).Inc()
}

func RecordPublish(backend, status string, duration time.Duration) {
	RegisterMetrics()
	publishDuration.WithLabelValues(backend, status).Observe(duration.Seconds())
}

// SetSlotStates sets the slot gauge to the given per-state counts. States seen
// before but absent from counts drop to zero; series are never removed, so a
// scrape always sees every known state.
func SetSlotStates(counts map[string]int) {
	RegisterMetrics()
	slotMu.Lock()
	defer slotMu.Unlock()
	for state := range counts {
		slotLabels[state] = struct{}{}
	}
	for state := range slotLabels {
		slots.WithLabelValues(state).Set(float64(counts[state]))
	}
}
