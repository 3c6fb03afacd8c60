package rpcclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rpcRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainindexor_rpc_requests_total",
			Help: "Total number of RPC requests by method and transport",
		},
		[]string{"method", "transport"},
	)

	rpcErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainindexor_rpc_errors_total",
			Help: "Total number of RPC errors by method and type",
		},
		[]string{"method", "error_type"},
	)

	rpcDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainindexor_rpc_request_duration_seconds",
			Help:    "Duration of RPC requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	rpcRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainindexor_rpc_retries_total",
			Help: "Total number of RPC retries by method",
		},
		[]string{"method"},
	)
)

func methodInc(method, transport string) { rpcRequests.WithLabelValues(method, transport).Inc() }
func methodDuration(method string, d time.Duration) {
	rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}
func methodError(method, errType string) { rpcErrors.WithLabelValues(method, errType).Inc() }
func retryInc(method string)             { rpcRetries.WithLabelValues(method).Inc() }
