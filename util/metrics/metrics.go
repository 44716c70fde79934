package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegistryOperationsTotal counts registry calls by backend, operation and outcome
	RegistryOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isek_registry_operations_total",
			Help: "Total number of registry operations",
		},
		[]string{"backend", "op", "status"},
	)

	// RegistryOperationDuration tracks registry call latency in seconds
	RegistryOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "isek_registry_operation_duration_seconds",
			Help:    "Duration of registry operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.01, 0.1, 1, 10},
		},
		[]string{"backend", "op"},
	)

	// RegistryNodes tracks the number of registrations held by a lease table
	RegistryNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "isek_registry_nodes",
			Help: "Number of node registrations currently held, including expired but not yet swept",
		},
		[]string{"backend"},
	)

	// RegistrySweptTotal counts registrations removed by expiry sweeps
	RegistrySweptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isek_registry_swept_total",
			Help: "Total number of expired registrations removed by sweeps",
		},
		[]string{"backend"},
	)

	// HeartbeatFailuresTotal counts failed heartbeat stages per node
	HeartbeatFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isek_heartbeat_failures_total",
			Help: "Total number of failed heartbeat stages (renew, refresh, reregister)",
		},
		[]string{"node", "stage"},
	)

	// DirectoryNodes tracks the size of a node's local peer directory
	DirectoryNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "isek_directory_nodes",
			Help: "Number of peers in the node directory snapshot",
		},
		[]string{"node"},
	)

	// SendAttemptsTotal counts message send attempts per node and outcome
	SendAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "isek_send_attempts_total",
			Help: "Total number of message send attempts",
		},
		[]string{"node", "status"},
	)
)

// RecordRegistryOperation records one registry call with its outcome status and duration
func RecordRegistryOperation(backend, op, status string, durationSeconds float64) {
	RegistryOperationsTotal.WithLabelValues(backend, op, status).Inc()
	RegistryOperationDuration.WithLabelValues(backend, op).Observe(durationSeconds)
}

// SetRegistryNodes sets the number of registrations held by a backend
func SetRegistryNodes(backend string, count int) {
	RegistryNodes.WithLabelValues(backend).Set(float64(count))
}

// RecordSwept adds the number of registrations removed by one sweep
func RecordSwept(backend string, count int) {
	if count > 0 {
		RegistrySweptTotal.WithLabelValues(backend).Add(float64(count))
	}
}

// RecordHeartbeatFailure increments the failure counter for a heartbeat stage
func RecordHeartbeatFailure(node, stage string) {
	HeartbeatFailuresTotal.WithLabelValues(node, stage).Inc()
}

// SetDirectoryNodes sets the directory size of a node
func SetDirectoryNodes(node string, count int) {
	DirectoryNodes.WithLabelValues(node).Set(float64(count))
}

// RecordSendAttempt increments the send attempt counter
func RecordSendAttempt(node, status string) {
	SendAttemptsTotal.WithLabelValues(node, status).Inc()
}
