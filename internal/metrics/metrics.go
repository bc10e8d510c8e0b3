// Package metrics exposes the Prometheus collectors used across the
// ingestion, hub, and storage components. Metrics are a side channel: a
// failed update never returns an error or alters caller behavior.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	hubSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "thq_hub_subscribers",
		Help: "Current number of registered telemetry hub subscribers.",
	})
	hubBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "thq_hub_broadcasts_total",
		Help: "Total number of broadcast payloads appended to the hub.",
	})
	hubEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "thq_hub_evictions_total",
		Help: "Total number of subscribers evicted because their channel was observed closed.",
	})
	ingestAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "thq_ingest_accepted_total",
		Help: "Total number of accepted ingestion events by message type.",
	}, []string{"type"})
	ingestRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "thq_ingest_rejections_total",
		Help: "Total number of rejected ingestion events by reason.",
	}, []string{"reason"})
	storageWriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "thq_storage_write_failures_total",
		Help: "Total number of failed storage writes by table.",
	}, []string{"table"})
)

// Registry is the collector registry this server's /metrics endpoint
// exposes. It is package-level, matching the teacher's single global
// logger pattern, since exactly one of these exists per process.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(hubSubscribers, hubBroadcasts, hubEvictions, ingestAccepted, ingestRejected, storageWriteFailures)
}

// SetHubSubscribers records the current subscriber count.
func SetHubSubscribers(n int) { hubSubscribers.Set(float64(n)) }

// IncHubBroadcasts records one broadcast call.
func IncHubBroadcasts() { hubBroadcasts.Inc() }

// IncHubEvictions records n subscribers evicted for having a closed channel.
func IncHubEvictions(n int) {
	if n > 0 {
		hubEvictions.Add(float64(n))
	}
}

// IncIngestAccepted records one accepted event of the given message type.
func IncIngestAccepted(messageType string) { ingestAccepted.WithLabelValues(messageType).Inc() }

// IncIngestRejected records one rejected event for the given reason.
func IncIngestRejected(reason string) { ingestRejected.WithLabelValues(reason).Inc() }

// IncStorageWriteFailure records one failed write to the given table.
func IncStorageWriteFailure(table string) { storageWriteFailures.WithLabelValues(table).Inc() }
