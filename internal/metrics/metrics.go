// Package metrics declares the Prometheus instruments shared by the sync
// and dispatch workers. Everything registers on the default registry via
// promauto; the ops server exposes it under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event type label values.
const (
	TypeEmployee = "motoristas"
	TypeLeave    = "afastamentos"
)

var (
	SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadastrei_sync_cycles_total",
		Help: "the number of completed sync cycles per event type",
	}, []string{"tipo"})
	SyncSourceRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadastrei_sync_source_rows_total",
		Help: "the number of source rows read by the sync engines",
	}, []string{"tipo"})
	SyncEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadastrei_sync_events_total",
		Help: "the number of change events generated per event type",
	}, []string{"tipo"})
	SyncInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadastrei_sync_events_inserted_total",
		Help: "the number of events actually inserted into the outbox",
	}, []string{"tipo"})
	SyncCursorResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadastrei_sync_cursor_resets_total",
		Help: "the number of times the leave cursor rewound to its start",
	})
	SyncCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cadastrei_sync_cycle_duration_seconds",
		Help:    "the wall time of one sync cycle",
		Buckets: prometheus.DefBuckets,
	}, []string{"tipo"})

	DispatchClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadastrei_dispatch_claimed_total",
		Help: "the number of outbox rows claimed for delivery",
	}, []string{"tipo"})
	DispatchSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadastrei_dispatch_succeeded_total",
		Help: "the number of outbox rows delivered and settled as processed",
	}, []string{"tipo"})
	DispatchFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadastrei_dispatch_failed_total",
		Help: "the number of outbox rows settled as errored",
	}, []string{"tipo"})
	DispatchLocksReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadastrei_dispatch_locks_released_total",
		Help: "the number of expired leases swept back to the queue",
	}, []string{"tipo"})
	DispatchHTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cadastrei_dispatch_http_duration_seconds",
		Help:    "the duration of downstream API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"tipo"})

	AuthRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadastrei_api_auth_refreshes_total",
		Help: "the number of logins performed against the downstream API",
	})
)
