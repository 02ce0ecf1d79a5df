// Package metrics registers and exposes the Prometheus metrics for the
// orchestrator: deployment counts, resource-quota checks, rate-limit
// decisions, database and port-pool state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DeployerInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_deployer_info",
			Help: "Static build/deployment information, value is always 1",
		},
		[]string{"version", "challenge_title", "hostname"},
	)

	ActiveContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctf_active_containers",
			Help: "Number of challenge containers currently running",
		},
	)

	ContainerDeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_container_deployments_total",
			Help: "Total deploy attempts by outcome",
		},
		[]string{"outcome"},
	)

	ContainerDeploymentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctf_container_deployment_duration_seconds",
			Help:    "Time to complete a Deploy call",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerLifetimeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctf_container_lifetime_seconds",
			Help:    "Observed lifetime of a container from deploy to reclamation",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		},
	)

	RateLimitChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_rate_limit_checks_total",
			Help: "Total rate-limit admission checks performed",
		},
	)

	RateLimitRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_rate_limit_rejections_total",
			Help: "Total admissions rejected by the rate limiter",
		},
	)

	ResourceQuotaChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_resource_quota_checks_total",
			Help: "Total resource quota admission checks performed",
		},
	)

	ResourceQuotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_resource_quota_rejections_total",
			Help: "Total admissions rejected by the resource monitor, by resource",
		},
		[]string{"resource"},
	)

	ResourceUsagePercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_resource_usage_percent",
			Help: "Current usage as a percentage of the configured limit, by resource",
		},
		[]string{"resource"},
	)

	ResourceCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_resource_current",
			Help: "Current observed value, by resource",
		},
		[]string{"resource"},
	)

	ResourceLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_resource_limit",
			Help: "Configured limit, by resource",
		},
		[]string{"resource"},
	)

	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_errors_total",
			Help: "Total errors observed, by error kind",
		},
		[]string{"type"},
	)

	DatabaseOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_database_operations_total",
			Help: "Total database operations performed, by operation",
		},
		[]string{"op"},
	)

	DatabaseOperationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctf_database_operation_duration_seconds",
			Help:    "Database operation latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	DatabaseConnectionPool = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_database_connection_pool",
			Help: "Connection pool gauge, by state (free, in_use, max)",
		},
		[]string{"state"},
	)

	PortPool = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_port_pool",
			Help: "Port allocation table gauge, by state (free, allocated, total)",
		},
		[]string{"state"},
	)

	PortAllocationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_port_allocation_failures_total",
			Help: "Total Reserve calls that exhausted retries and returned PortPoolFull",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DeployerInfo,
		ActiveContainers,
		ContainerDeploymentsTotal,
		ContainerDeploymentDuration,
		ContainerLifetimeSeconds,
		RateLimitChecksTotal,
		RateLimitRejectionsTotal,
		ResourceQuotaChecksTotal,
		ResourceQuotaRejectionsTotal,
		ResourceUsagePercent,
		ResourceCurrent,
		ResourceLimit,
		ErrorsTotal,
		DatabaseOperationsTotal,
		DatabaseOperationDuration,
		DatabaseConnectionPool,
		PortPool,
		PortAllocationFailuresTotal,
	)
}

// Handler returns the Prometheus text-exposition HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSince records the elapsed time since start on a histogram.
func ObserveSince(h prometheus.Histogram, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
