// Package metrics defines the prometheus collectors shared by the
// trackers, the transport and the collector server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pagetrace"

// Drop reasons for EventsDropped.
const (
	ReasonFiltered    = "filtered"
	ReasonRateLimited = "rate_limited"
	ReasonEvicted     = "evicted"
	ReasonClosed      = "closed"
)

type Metrics struct {
	EventsCaptured  *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	BatchesFlushed  prometheus.Counter
	FunnelEvents    *prometheus.CounterVec
	TransportSends  *prometheus.CounterVec
	IngestedEvents  *prometheus.CounterVec
	IngestFailures  *prometheus.CounterVec
	StorageFailures *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg yields working but
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsCaptured: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "captured_total",
			Help:      "Error events accepted into the queue.",
		}, []string{"type"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "dropped_total",
			Help:      "Error events discarded before transmission.",
		}, []string{"reason"}),
		BatchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "batches_flushed_total",
			Help:      "Error batches handed to the transport.",
		}),
		FunnelEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "funnel",
			Name:      "events_total",
			Help:      "Funnel lifecycle events emitted.",
		}, []string{"type"}),
		TransportSends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "sends_total",
			Help:      "Payloads sent by path and outcome.",
		}, []string{"path", "outcome"}),
		IngestedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "ingested_total",
			Help:      "Events stored by the collector.",
		}, []string{"kind"}),
		IngestFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "ingest_failures_total",
			Help:      "Requests the collector rejected.",
		}, []string{"kind", "reason"}),
		StorageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "failures_total",
			Help:      "Persistence operations that failed and were ignored.",
		}, []string{"op"}),
	}
}
