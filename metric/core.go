// Package metric exposes Prometheus instrumentation for the relay.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the relay's protocol and connection metrics.
type Metrics struct {
	// Outbound protocol metrics
	FragmentsSent        *prometheus.CounterVec
	FragmentsConfirmed   *prometheus.CounterVec
	RetransmitsRequested *prometheus.CounterVec
	DocumentsSubmitted   prometheus.Counter
	DocumentsDeleted     prometheus.Counter
	BytesInTransit       prometheus.Gauge

	// Inbound protocol metrics
	FragmentsReceived *prometheus.CounterVec
	FragmentsCorrupt  *prometheus.CounterVec
	DocumentsBuilt    prometheus.Counter
	BuildDuration     prometheus.Histogram
	StaleIncomplete   prometheus.Gauge

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all relay metrics
func NewMetrics() *Metrics {
	return &Metrics{
		FragmentsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "fragments",
				Name:      "sent_total",
				Help:      "Total number of fragments published, by recipient domain",
			},
			[]string{"recipient"},
		),

		FragmentsConfirmed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "fragments",
				Name:      "confirmed_total",
				Help:      "Total number of fragment confirmations received, by confirming domain",
			},
			[]string{"domain"},
		),

		RetransmitsRequested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "fragments",
				Name:      "retransmits_total",
				Help:      "Total number of fragment retransmissions requested, by direction (sent or received)",
			},
			[]string{"direction"},
		),

		DocumentsSubmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "documents",
				Name:      "submitted_total",
				Help:      "Total number of documents accepted for delivery",
			},
		),

		DocumentsDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "documents",
				Name:      "deleted_total",
				Help:      "Total number of deprecated documents deleted",
			},
		),

		BytesInTransit: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "docrelay",
				Subsystem: "documents",
				Name:      "bytes_in_transit",
				Help:      "Payload bytes of outbound fragments not yet confirmed by all recipients",
			},
		),

		FragmentsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "fragments",
				Name:      "received_total",
				Help:      "Total number of inbound fragments accepted, by sender domain",
			},
			[]string{"sender"},
		),

		FragmentsCorrupt: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "fragments",
				Name:      "corrupt_total",
				Help:      "Total number of inbound fragments rejected on fingerprint mismatch, by sender domain",
			},
			[]string{"sender"},
		),

		DocumentsBuilt: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "documents",
				Name:      "built_total",
				Help:      "Total number of inbound documents reassembled",
			},
		),

		BuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "docrelay",
				Subsystem: "documents",
				Name:      "build_duration_seconds",
				Help:      "Time spent reassembling a document from its fragments",
				Buckets:   prometheus.DefBuckets,
			},
		),

		StaleIncomplete: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "docrelay",
				Subsystem: "documents",
				Name:      "stale_incomplete",
				Help:      "Inbound documents past the staleness threshold that are still missing fragments",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "docrelay",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "docrelay",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "docrelay",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

// RecordFragmentSent increments the sent counter for a recipient domain
func (m *Metrics) RecordFragmentSent(recipient string) {
	m.FragmentsSent.WithLabelValues(recipient).Inc()
}

// RecordFragmentConfirmed increments the confirmation counter for a domain
func (m *Metrics) RecordFragmentConfirmed(domain string) {
	m.FragmentsConfirmed.WithLabelValues(domain).Inc()
}

// RecordRetransmitRequested increments the retransmit counter.
// Direction is "sent" for requests this node issued and "received" for
// requests from remote recipients.
func (m *Metrics) RecordRetransmitRequested(direction string) {
	m.RetransmitsRequested.WithLabelValues(direction).Inc()
}

// RecordDocumentSubmitted increments the submitted document counter
func (m *Metrics) RecordDocumentSubmitted() {
	m.DocumentsSubmitted.Inc()
}

// RecordDocumentDeleted increments the deleted document counter
func (m *Metrics) RecordDocumentDeleted() {
	m.DocumentsDeleted.Inc()
}

// RecordBytesInTransit sets the unconfirmed outbound payload gauge
func (m *Metrics) RecordBytesInTransit(n int64) {
	m.BytesInTransit.Set(float64(n))
}

// RecordFragmentReceived increments the inbound fragment counter
func (m *Metrics) RecordFragmentReceived(sender string) {
	m.FragmentsReceived.WithLabelValues(sender).Inc()
}

// RecordFragmentCorrupt increments the corrupt fragment counter
func (m *Metrics) RecordFragmentCorrupt(sender string) {
	m.FragmentsCorrupt.WithLabelValues(sender).Inc()
}

// RecordDocumentBuilt records one completed reassembly and its duration
func (m *Metrics) RecordDocumentBuilt(duration time.Duration) {
	m.DocumentsBuilt.Inc()
	m.BuildDuration.Observe(duration.Seconds())
}

// RecordStaleIncomplete sets the stale inbound document gauge
func (m *Metrics) RecordStaleIncomplete(n int) {
	m.StaleIncomplete.Set(float64(n))
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (m *Metrics) RecordCircuitBreakerState(open bool) {
	value := 0.0
	if open {
		value = 1.0
	}
	m.NATSCircuitBreaker.Set(value)
}
