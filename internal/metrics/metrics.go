// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionrelay",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session status transitions by target status.",
		},
		[]string{"status"},
	)
	sessionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessionrelay",
			Subsystem: "session",
			Name:      "registered",
			Help:      "Sessions currently in the registry.",
		},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessionrelay",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after a disconnect.",
		},
	)
	credentialUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessionrelay",
			Subsystem: "session",
			Name:      "credential_updates_total",
			Help:      "Credential change notifications from the transport.",
		},
	)
	busEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionrelay",
			Subsystem: "bus",
			Name:      "events_total",
			Help:      "Events published on the bus by topic.",
		},
		[]string{"topic"},
	)
	busDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionrelay",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber was not keeping up.",
		},
		[]string{"topic"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessionrelay",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Tasks waiting in the delivery queue.",
		},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionrelay",
			Subsystem: "queue",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by result.",
		},
		[]string{"result"},
	)
	drainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sessionrelay",
			Subsystem: "queue",
			Name:      "drain_duration_seconds",
			Help:      "Duration of one queue drain pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
)

// Register registers all collectors with the default registry. It is safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionTransitions, sessionsLive, reconnects, credentialUpdates,
			busEvents, busDrops,
			queueDepth, deliveries, drainDuration,
			httpRequests,
		)
	})
}

// Handler serves the default registry
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func RecordTransition(status string) {
	Register()
	sessionTransitions.WithLabelValues(status).Inc()
}

func SetRegistered(n int) {
	Register()
	sessionsLive.Set(float64(n))
}

func RecordReconnect() {
	Register()
	reconnects.Inc()
}

func RecordCredentialUpdate() {
	Register()
	credentialUpdates.Inc()
}

func RecordBusEvent(topic string) {
	Register()
	busEvents.WithLabelValues(topic).Inc()
}

func RecordBusDrop(topic string) {
	Register()
	busDrops.WithLabelValues(topic).Inc()
}

func SetQueueDepth(n int) {
	Register()
	queueDepth.Set(float64(n))
}

// Delivery results
const (
	ResultDelivered  = "delivered"
	ResultFailed     = "failed"
	ResultDeferred   = "deferred"
	ResultDeadLetter = "dead_letter"
)

func RecordDelivery(result string) {
	Register()
	deliveries.WithLabelValues(result).Inc()
}

func RecordDrain(d time.Duration) {
	Register()
	drainDuration.Observe(d.Seconds())
}

func RecordHTTPRequest(method, route string, status int) {
	Register()
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
