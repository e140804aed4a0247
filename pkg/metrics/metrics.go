package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequests counts handled requests by path and status code.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convroute_http_requests_total",
			Help: "Total number of HTTP requests handled",
		},
		[]string{"path", "status"},
	)

	// Selections counts worker-selection outcomes.
	Selections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convroute_selections_total",
			Help: "Total number of worker selections by outcome",
		},
		[]string{"outcome"},
	)

	// WorkerUtilization tracks the utilization ratio observed for each
	// worker during selection.
	WorkerUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convroute_worker_utilization",
			Help: "Daily utilization ratio per worker as of the last selection",
		},
		[]string{"worker_id"},
	)

	// RateLimitRejections counts admission denials per endpoint.
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convroute_ratelimit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"endpoint"},
	)

	// ClientRetries counts retry attempts made by the resilient client.
	ClientRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convroute_client_retries_total",
			Help: "Total number of retried outbound attempts",
		},
	)

	// UsageRecordFailures counts usage samples dropped by fire-and-forget
	// recording. These never surface to callers, only here and in logs.
	UsageRecordFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convroute_usage_record_failures_total",
			Help: "Total number of usage samples that failed to persist",
		},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequests)
	prometheus.MustRegister(Selections)
	prometheus.MustRegister(WorkerUtilization)
	prometheus.MustRegister(RateLimitRejections)
	prometheus.MustRegister(ClientRetries)
	prometheus.MustRegister(UsageRecordFailures)
}
