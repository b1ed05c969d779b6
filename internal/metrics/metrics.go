package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// PlatformRequests counts calls to the remote platform by logical step and final status code
	PlatformRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "platform_requests_total", Help: "Remote platform requests by step and status."},
		[]string{"step", "status"},
	)
	// PlatformLatency tracks remote platform call latency including retries
	PlatformLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "platform_request_duration_seconds", Help: "Remote platform request duration in seconds.", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}},
		[]string{"step"},
	)
	// PlatformRetries counts retried attempts (429/5xx/transport)
	PlatformRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "platform_retries_total", Help: "Retried remote platform attempts by step."},
		[]string{"step"},
	)

	// GeozoneSyncs counts geometry sync outcomes: unchanged, renamed, created, replaced, failed
	GeozoneSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geozone_syncs_total", Help: "Geozone sync outcomes by entity type."},
		[]string{"entity", "outcome"},
	)
	// GroupSyncs counts geozone group sync outcomes by role
	GroupSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geozone_group_syncs_total", Help: "Geozone group sync outcomes by role."},
		[]string{"role", "outcome"},
	)
	// OverrideDiscoveries counts tree-search discoveries by result
	OverrideDiscoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "override_discoveries_total", Help: "Override slot discovery attempts by result."},
		[]string{"result"},
	)

	// Deployments counts deployment transitions by action and status
	Deployments = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "deployments_total", Help: "Deployment transitions by action and status."},
		[]string{"action", "status"},
	)
	// DeploymentDuration records the time from start to terminal status
	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "deployment_duration_seconds", Help: "Deployment processing duration in seconds.", Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900}},
		[]string{"action", "status"},
	)
	// PollerTicks counts reconciliation ticks by result
	PollerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "deployment_poller_ticks_total", Help: "Reconciliation poller ticks by result."},
		[]string{"result"},
	)
	// WebhookDeliveries counts outbound event deliveries by result
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Deployment event webhook deliveries by result."},
		[]string{"result"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(PlatformRequests)
		Registry.MustRegister(PlatformLatency)
		Registry.MustRegister(PlatformRetries)
		Registry.MustRegister(GeozoneSyncs)
		Registry.MustRegister(GroupSyncs)
		Registry.MustRegister(OverrideDiscoveries)
		Registry.MustRegister(Deployments)
		Registry.MustRegister(DeploymentDuration)
		Registry.MustRegister(PollerTicks)
		Registry.MustRegister(WebhookDeliveries)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
