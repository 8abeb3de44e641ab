package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the tracker
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// PositionReports counts inbound reports by outcome: accepted, invalid, throttled, unknown_trip, ended
	PositionReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "position_reports_total", Help: "Inbound position reports by result."},
		[]string{"result"},
	)
	// StopTransitions counts confirmed ARRIVED/LEFT transitions
	StopTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stop_transitions_total", Help: "Stop transitions by status and source."},
		[]string{"status", "source"},
	)
	ETAEmits = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "eta_emits_total", Help: "ETA updates published to subscribers."},
	)
	RoutingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "routing_requests_total", Help: "Routing lookups by outcome."},
		[]string{"outcome"},
	)
	RoutingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "routing_latency_seconds", Help: "Routing service latency.", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 1.5, 2}},
	)
	// ActiveTrips is the number of trips held in the state cache
	ActiveTrips = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "active_trips", Help: "Trips currently cached in memory."},
	)
	NATSConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "nats_connected", Help: "1 while the NATS connection is up."},
	)
	NotifyDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notify_deliveries_total", Help: "Rider notification deliveries by status."},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers all collectors on Registry. Safe to call more than once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests, HTTPDuration)
		Registry.MustRegister(PositionReports, StopTransitions, ETAEmits)
		Registry.MustRegister(RoutingRequests, RoutingLatency, ActiveTrips, NATSConnected, NotifyDeliveries)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
