package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node registry metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	VmsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_vms_total",
			Help: "Total number of VMs by status",
		},
		[]string{"status"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_heartbeats_total",
			Help: "Total number of heartbeats received by outcome",
		},
		[]string{"outcome"},
	)

	// Command delivery metrics
	CommandPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_command_pushes_total",
			Help: "Total number of command push attempts by outcome",
		},
		[]string{"outcome"},
	)

	CommandQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_command_queue_depth",
			Help: "Sum of pending commands across all node queues",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_scheduling_latency_seconds",
			Help:    "Time taken to place a VM in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_placements_total",
			Help: "Total number of scheduling attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Lifecycle metrics
	LifecycleTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_lifecycle_transitions_total",
			Help: "Total number of VM lifecycle transitions by from/to state",
		},
		[]string{"from", "to"},
	)

	// Mesh / relay metrics
	RelaysTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_relays_total",
			Help: "Total number of relay VMs by status",
		},
		[]string{"status"},
	)

	RelayHealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_relay_health_checks_total",
			Help: "Total number of relay health checks by outcome",
		},
		[]string{"outcome"},
	)

	// Ingress metrics
	ProxyReloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_proxy_reloads_total",
			Help: "Total number of external proxy reloads triggered",
		},
	)

	RoutesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_routes_total",
			Help: "Total number of ingress routes by status",
		},
		[]string{"status"},
	)

	// Metering metrics
	MeteringQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_metering_queue_depth",
			Help: "Current depth of the billing event queue",
		},
	)

	UsageRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_usage_records_total",
			Help: "Total number of usage records recorded by outcome",
		},
		[]string{"outcome"},
	)

	SettlementBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_settlement_batch_size",
			Help:    "Number of usage records per settlement chunk",
			Buckets: []float64{1, 2, 5, 10},
		},
	)

	// Latency tracker metrics
	VmRttMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_vm_rtt_ms",
			Help:    "Measured VM round-trip time in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// HTTP API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		VmsTotal,
		HeartbeatsTotal,
		CommandPushesTotal,
		CommandQueueDepth,
		SchedulingLatency,
		PlacementsTotal,
		LifecycleTransitionsTotal,
		RelaysTotal,
		RelayHealthChecksTotal,
		ProxyReloadsTotal,
		RoutesTotal,
		MeteringQueueDepth,
		UsageRecordsTotal,
		SettlementBatchSize,
		VmRttMs,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
