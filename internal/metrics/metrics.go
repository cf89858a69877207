// Package metrics holds the Prometheus collectors shared by the client core
// and the reference server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MutationsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optisync_mutations_submitted_total",
		Help: "Local mutations accepted by the coordinator",
	})

	MutationsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optisync_mutations_resolved_total",
		Help: "Mutations that reached a terminal state, by state",
	}, []string{"state"})

	PendingMutations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optisync_pending_mutations",
		Help: "Mutations currently waiting for a terminal state",
	})

	DispatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optisync_dispatch_retries_total",
		Help: "Mutation dispatches retried after a transport failure",
	})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optisync_dispatch_duration_seconds",
		Help:    "Duration of single mutation dispatch attempts",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"result"})

	IngestEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optisync_ingest_events_total",
		Help: "Realtime change events processed, by result",
	}, []string{"result"})

	Resyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optisync_resyncs_total",
		Help: "Full snapshot resyncs performed after a channel (re)connect",
	})

	ServerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optisync_server_mutations_total",
		Help: "Mutations handled by the sync server, by result",
	}, []string{"result"})

	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optisync_stream_clients",
		Help: "Websocket clients attached to the change event stream",
	})
)
