// Package metrics provides Prometheus instrumentation for the
// coordination plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics (backbone listener only).
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ansible_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Sync transport metrics.
var (
	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ansible_peers_connected",
		Help: "Number of currently connected sync peers.",
	})

	SyncUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_sync_updates_total",
		Help: "Total number of document updates exchanged with peers.",
	}, []string{"direction"})
)

// Dispatcher metrics.
var (
	DispatchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_dispatch_attempts_total",
		Help: "Total number of host-runtime dispatch attempts.",
	}, []string{"kind"})

	DispatchDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_dispatch_delivered_total",
		Help: "Total number of successful deliveries.",
	}, []string{"kind"})

	DispatchRetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ansible_dispatch_retries_scheduled_total",
		Help: "Total number of retry timers scheduled after failed deliveries.",
	})

	ReconcilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ansible_reconciles_total",
		Help: "Total number of dispatcher reconcile passes.",
	})
)

// Sweeper metrics.
var (
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_sweep_runs_total",
		Help: "Total number of sweeper runs that executed their body.",
	}, []string{"sweeper"})

	TasksPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ansible_tasks_pruned_total",
		Help: "Total number of closed tasks removed by retention pruning.",
	})

	SLAEscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ansible_sla_escalations_total",
		Help: "Total number of SLA breaches recorded, by breach type.",
	}, []string{"breach"})
)

// State metrics.
var (
	SnapshotBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ansible_snapshot_bytes",
		Help: "Size of the last persisted state snapshot in bytes.",
	})
)
